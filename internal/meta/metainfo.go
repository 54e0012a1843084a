package meta

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"os"

	"github.com/jackpal/bencode-go"
)

// Metainfo is the parsed, immutable view of a .torrent file.
type Metainfo struct {
	Announce     string
	AnnounceList [][]string
	Name         string
	PieceLength  int64
	InfoHash     [sha1.Size]byte

	CreatedBy    string
	Comment      string
	CreationDate int64

	totalSize int64
	pieces    []byte
	files     []File
}

// File is one entry of a multi-file torrent, with its offset within the
// concatenated payload stream.
type File struct {
	Length int64
	Path   []string
	Offset int64
}

var (
	ErrAnnounceMissing = errors.New("metainfo: announce missing")
	ErrPieceLenInvalid = errors.New("metainfo: piece length must be > 0")
	ErrPiecesInvalid   = errors.New("metainfo: pieces length not a multiple of 20")
	ErrPiecesCount     = errors.New("metainfo: pieces count does not cover total size")
	ErrLayoutInvalid   = errors.New("metainfo: invalid single/multi-file layout")
	ErrNoInfoDict      = errors.New("metainfo: no info dictionary found")
)

// wire structures for bencode-go struct decoding.
type torrentFile struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	CreatedBy    string     `bencode:"created by"`
	Comment      string     `bencode:"comment"`
	CreationDate int64      `bencode:"creation date"`
	Info         infoDict   `bencode:"info"`
}

type infoDict struct {
	Name        string      `bencode:"name"`
	PieceLength int64       `bencode:"piece length"`
	Pieces      string      `bencode:"pieces"`
	Length      int64       `bencode:"length"`
	Files       []fileEntry `bencode:"files"`
}

type fileEntry struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// Load reads and parses the metainfo file at path.
//
// The info-hash is SHA-1 over the info value's raw byte range in the source
// file, measured by walking the bencoded structure in place, so re-encoding
// quirks cannot change the torrent identity.
func Load(path string) (*Metainfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metainfo: read %q: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes raw metainfo bytes. See Load.
func Parse(data []byte) (*Metainfo, error) {
	var tf torrentFile
	if err := bencode.Unmarshal(bytes.NewReader(data), &tf); err != nil {
		return nil, fmt.Errorf("metainfo: decode: %w", err)
	}

	if tf.Announce == "" {
		return nil, ErrAnnounceMissing
	}
	if tf.Info.PieceLength <= 0 {
		return nil, ErrPieceLenInvalid
	}
	if len(tf.Info.Pieces) == 0 || len(tf.Info.Pieces)%sha1.Size != 0 {
		return nil, ErrPiecesInvalid
	}
	if (tf.Info.Length > 0) == (len(tf.Info.Files) > 0) {
		return nil, ErrLayoutInvalid
	}

	m := &Metainfo{
		Announce:     tf.Announce,
		AnnounceList: tf.AnnounceList,
		Name:         tf.Info.Name,
		PieceLength:  tf.Info.PieceLength,
		CreatedBy:    tf.CreatedBy,
		Comment:      tf.Comment,
		CreationDate: tf.CreationDate,
		pieces:       []byte(tf.Info.Pieces),
	}

	if tf.Info.Length > 0 {
		m.totalSize = tf.Info.Length
		m.files = []File{{Length: tf.Info.Length, Path: []string{tf.Info.Name}}}
	} else {
		var offset int64
		for _, fe := range tf.Info.Files {
			m.files = append(m.files, File{
				Length: fe.Length,
				Path:   fe.Path,
				Offset: offset,
			})
			offset += fe.Length
		}
		m.totalSize = offset
	}

	if m.NumPieces() != len(m.pieces)/sha1.Size {
		return nil, ErrPiecesCount
	}

	infoRaw, err := infoBytes(data)
	if err != nil {
		return nil, err
	}
	m.InfoHash = sha1.Sum(infoRaw)

	return m, nil
}

// TotalSize is the payload size in bytes: the single file's length, or the
// sum of all file lengths for multi-file torrents.
func (m *Metainfo) TotalSize() int64 { return m.totalSize }

// NumPieces is ceil(TotalSize / PieceLength); the last piece may be short.
func (m *Metainfo) NumPieces() int {
	return int((m.totalSize + m.PieceLength - 1) / m.PieceLength)
}

// PieceHash returns the expected SHA-1 digest of piece i.
func (m *Metainfo) PieceHash(i int) [sha1.Size]byte {
	var h [sha1.Size]byte
	copy(h[:], m.pieces[i*sha1.Size:])
	return h
}

// PieceLengthAt returns the exact byte length of piece i.
func (m *Metainfo) PieceLengthAt(i int) int64 {
	if i == m.NumPieces()-1 {
		if rem := m.totalSize % m.PieceLength; rem != 0 {
			return rem
		}
	}

	return m.PieceLength
}

// Files returns the file layout with stream offsets. Single-file torrents
// yield one entry named after the torrent.
func (m *Metainfo) Files() []File { return m.files }

// benScanner steps through a bencoded document, tracking only a byte
// position. It never materializes values; infoBytes uses it to measure the
// extent of the info value so the hash covers the file's exact bytes.
type benScanner struct {
	data []byte
	pos  int
}

func (sc *benScanner) cur() (byte, bool) {
	if sc.pos >= len(sc.data) {
		return 0, false
	}

	return sc.data[sc.pos], true
}

// readString consumes one "<len>:<bytes>" string and returns its contents.
func (sc *benScanner) readString() ([]byte, error) {
	at := sc.pos

	n := 0
	digits := 0
	for {
		b, ok := sc.cur()
		if !ok {
			return nil, fmt.Errorf("metainfo: unterminated string length at %d", at)
		}
		if b == ':' {
			sc.pos++
			break
		}
		if b < '0' || b > '9' {
			return nil, fmt.Errorf("metainfo: bad string length at %d", at)
		}
		if digits++; digits > 10 {
			return nil, fmt.Errorf("metainfo: absurd string length at %d", at)
		}
		n = n*10 + int(b-'0')
		sc.pos++
	}
	if digits == 0 || sc.pos+n > len(sc.data) {
		return nil, fmt.Errorf("metainfo: string overruns input at %d", at)
	}

	s := sc.data[sc.pos : sc.pos+n]
	sc.pos += n

	return s, nil
}

// skipValue consumes exactly one value of any type, recursing into
// containers.
func (sc *benScanner) skipValue() error {
	b, ok := sc.cur()
	if !ok {
		return fmt.Errorf("metainfo: truncated value at %d", sc.pos)
	}

	switch b {
	case 'i':
		at := sc.pos
		for sc.pos++; ; sc.pos++ {
			b, ok := sc.cur()
			if !ok {
				return fmt.Errorf("metainfo: unterminated integer at %d", at)
			}
			if b == 'e' {
				sc.pos++
				return nil
			}
		}

	case 'l':
		at := sc.pos
		for sc.pos++; ; {
			b, ok := sc.cur()
			if !ok {
				return fmt.Errorf("metainfo: unterminated list at %d", at)
			}
			if b == 'e' {
				sc.pos++
				return nil
			}
			if err := sc.skipValue(); err != nil {
				return err
			}
		}

	case 'd':
		at := sc.pos
		for sc.pos++; ; {
			b, ok := sc.cur()
			if !ok {
				return fmt.Errorf("metainfo: unterminated dict at %d", at)
			}
			if b == 'e' {
				sc.pos++
				return nil
			}
			if _, err := sc.readString(); err != nil {
				return err
			}
			if err := sc.skipValue(); err != nil {
				return err
			}
		}

	default:
		_, err := sc.readString()
		return err
	}
}

// infoBytes walks the top-level torrent dictionary key by key and returns
// the raw byte span of the value stored under "info". Walking the real
// structure, rather than searching for a "4:info" marker, means a string
// elsewhere in the file that happens to contain those bytes cannot confuse
// the hash.
func infoBytes(data []byte) ([]byte, error) {
	sc := &benScanner{data: data}

	if b, ok := sc.cur(); !ok || b != 'd' {
		return nil, fmt.Errorf("metainfo: top-level value is not a dict")
	}
	sc.pos++

	for {
		b, ok := sc.cur()
		if !ok {
			return nil, fmt.Errorf("metainfo: unterminated torrent dict")
		}
		if b == 'e' {
			break
		}

		key, err := sc.readString()
		if err != nil {
			return nil, err
		}

		start := sc.pos
		if err := sc.skipValue(); err != nil {
			return nil, err
		}
		if bytes.Equal(key, []byte("info")) {
			return data[start:sc.pos], nil
		}
	}

	return nil, ErrNoInfoDict
}
