package cast

import "testing"

func TestToString(t *testing.T) {
	if s, err := ToString("abc"); err != nil || s != "abc" {
		t.Fatalf("ToString(string) = (%q, %v)", s, err)
	}
	if s, err := ToString([]byte("abc")); err != nil || s != "abc" {
		t.Fatalf("ToString([]byte) = (%q, %v)", s, err)
	}
	if _, err := ToString(int64(7)); err == nil {
		t.Fatal("ToString(int64) should fail")
	}
}

func TestToInt(t *testing.T) {
	if n, err := ToInt(int64(42)); err != nil || n != 42 {
		t.Fatalf("ToInt = (%d, %v)", n, err)
	}
	if _, err := ToInt("42"); err == nil {
		t.Fatal("ToInt(string) should fail")
	}
	if _, err := ToInt(nil); err == nil {
		t.Fatal("ToInt(nil) should fail")
	}
}

func TestToDict(t *testing.T) {
	d, err := ToDict(map[string]any{"k": int64(1)})
	if err != nil || d["k"] != int64(1) {
		t.Fatalf("ToDict = (%v, %v)", d, err)
	}
	if _, err := ToDict([]any{}); err == nil {
		t.Fatal("ToDict(list) should fail")
	}
}
