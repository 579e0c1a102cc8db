// Package meta parses and validates single-file .torrent metainfo files.
package meta

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jackpal/bencode-go"

	"github.com/arvindh/leech/pkg/cast"
)

// Info describes the file being shared.
type Info struct {
	Name        string
	PieceLength int64
	Length      int64
	Pieces      [][sha1.Size]byte
	Private     bool
}

// Metainfo is the parsed contents of a .torrent file.
type Metainfo struct {
	Info         Info
	Announce     string
	AnnounceList [][]string
	CreationDate time.Time
	CreatedBy    string
	Comment      string
	InfoHash     [sha1.Size]byte
}

var (
	ErrTopLevelNotDict      = errors.New("metainfo: top-level is not a dict")
	ErrAnnounceMissing      = errors.New("metainfo: both announce and announce-list missing")
	ErrInfoMissing          = errors.New("metainfo: 'info' missing")
	ErrInfoNotDict          = errors.New("metainfo: 'info' is not a dict")
	ErrNameMissing          = errors.New("metainfo: 'info' name missing")
	ErrPieceLenNonPositive  = errors.New("metainfo: 'info' piece length must be > 0")
	ErrPiecesMissing        = errors.New("metainfo: 'info' pieces missing")
	ErrPiecesLenInvalid     = errors.New("metainfo: 'info' pieces length not a multiple of 20")
	ErrMultiFileUnsupported = errors.New("metainfo: multi-file torrents are not supported")
	ErrCreationDateInvalid  = errors.New("metainfo: invalid creation date")
)

// NumPieces returns the number of pieces described by the metainfo.
func (m *Metainfo) NumPieces() int { return len(m.Info.Pieces) }

// Parse decodes and validates a .torrent file read from r.
func Parse(r io.Reader) (*Metainfo, error) {
	var raw interface{}
	if err := bencode.Unmarshal(r, &raw); err != nil {
		return nil, fmt.Errorf("metainfo: decode: %w", err)
	}

	root, ok := raw.(map[string]interface{})
	if !ok {
		return nil, ErrTopLevelNotDict
	}

	announce, err := parseOptionalString(root["announce"])
	if err != nil {
		return nil, fmt.Errorf("metainfo: 'announce': %w", err)
	}

	announceList, err := parseAnnounceList(root["announce-list"])
	if err != nil {
		return nil, err
	}
	if announce == "" && len(announceList) == 0 {
		return nil, ErrAnnounceMissing
	}

	var creationDate time.Time
	if v, ok := root["creation date"]; ok {
		secs, err := cast.ToInt(v)
		if err != nil || secs < 0 {
			return nil, ErrCreationDateInvalid
		}
		creationDate = time.Unix(secs, 0).UTC()
	}

	createdBy, err := parseOptionalString(root["created by"])
	if err != nil {
		return nil, fmt.Errorf("metainfo: 'created by': %w", err)
	}
	comment, err := parseOptionalString(root["comment"])
	if err != nil {
		return nil, fmt.Errorf("metainfo: 'comment': %w", err)
	}

	infoRaw, ok := root["info"]
	if !ok {
		return nil, ErrInfoMissing
	}
	infoDict, ok := infoRaw.(map[string]interface{})
	if !ok {
		return nil, ErrInfoNotDict
	}

	info, err := parseInfo(infoDict)
	if err != nil {
		return nil, err
	}

	hash, err := infoHash(infoDict)
	if err != nil {
		return nil, fmt.Errorf("metainfo: info hash: %w", err)
	}

	return &Metainfo{
		Info:         *info,
		InfoHash:     hash,
		Announce:     announce,
		AnnounceList: announceList,
		CreationDate: creationDate,
		CreatedBy:    createdBy,
		Comment:      comment,
	}, nil
}

func parseInfo(dict map[string]interface{}) (*Info, error) {
	var (
		out Info
		err error
	)

	nameVal, ok := dict["name"]
	if !ok {
		return nil, ErrNameMissing
	}
	out.Name, err = cast.ToString(nameVal)
	if err != nil || out.Name == "" {
		return nil, fmt.Errorf("metainfo: invalid 'name': %w", err)
	}

	plVal, ok := dict["piece length"]
	if !ok {
		return nil, ErrPieceLenNonPositive
	}
	plen, err := cast.ToInt(plVal)
	if err != nil || plen <= 0 {
		return nil, ErrPieceLenNonPositive
	}
	out.PieceLength = plen

	out.Pieces, err = parsePieces(dict["pieces"])
	if err != nil {
		return nil, err
	}

	if v, ok := dict["private"]; ok {
		priv, err := cast.ToInt(v)
		if err != nil || (priv != 0 && priv != 1) {
			return nil, fmt.Errorf("metainfo: invalid 'private' flag")
		}
		out.Private = priv == 1
	}

	if _, hasFiles := dict["files"]; hasFiles {
		return nil, ErrMultiFileUnsupported
	}

	lengthVal, ok := dict["length"]
	if !ok {
		return nil, fmt.Errorf("metainfo: 'length' missing (multi-file torrents unsupported)")
	}
	length, err := cast.ToInt(lengthVal)
	if err != nil || length < 0 {
		return nil, fmt.Errorf("metainfo: invalid 'length'")
	}
	out.Length = length

	wantPieces := (out.Length + out.PieceLength - 1) / out.PieceLength
	if out.Length > 0 && int64(len(out.Pieces)) != wantPieces {
		return nil, fmt.Errorf(
			"metainfo: piece count %d does not match length/piece-length (%d)",
			len(out.Pieces), wantPieces,
		)
	}

	return &out, nil
}

func parsePieces(v interface{}) ([][sha1.Size]byte, error) {
	if v == nil {
		return nil, ErrPiecesMissing
	}

	raw, err := cast.ToBytes(v)
	if err != nil {
		return nil, fmt.Errorf("metainfo: 'pieces': %w", err)
	}
	if len(raw)%sha1.Size != 0 {
		return nil, ErrPiecesLenInvalid
	}

	n := len(raw) / sha1.Size
	out := make([][sha1.Size]byte, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], raw[i*sha1.Size:(i+1)*sha1.Size])
	}

	return out, nil
}

func parseAnnounceList(v interface{}) ([][]string, error) {
	if v == nil {
		return nil, nil
	}

	raw, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("metainfo: invalid 'announce-list'")
	}

	tiered, err := cast.ToTieredStrings(raw)
	if err != nil {
		return nil, fmt.Errorf("metainfo: invalid 'announce-list': %w", err)
	}

	out := make([][]string, 0, len(tiered))
	for _, tier := range tiered {
		if len(tier) > 0 {
			out = append(out, tier)
		}
	}

	return out, nil
}

func parseOptionalString(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}

	return cast.ToString(v)
}

// infoHash re-bencodes the raw info dict exactly as decoded and hashes it.
// The dict must be re-marshaled rather than recomputed from the typed Info
// struct, since the hash is only stable over the original byte-for-byte
// encoding of the dict.
func infoHash(info map[string]interface{}) ([sha1.Size]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, info); err != nil {
		return [sha1.Size]byte{}, err
	}

	return sha1.Sum(buf.Bytes()), nil
}
