package meta

import (
	"bytes"
	"crypto/sha1"
	"strconv"
	"strings"
	"testing"
)

func buildTorrent(t *testing.T, pieceLength, length int64, numPieces int) []byte {
	t.Helper()

	var pieces bytes.Buffer
	for i := 0; i < numPieces; i++ {
		h := sha1.Sum([]byte{byte(i)})
		pieces.Write(h[:])
	}

	var buf bytes.Buffer
	buf.WriteString("d8:announce20:http://tracker.test/13:creation datei1700000000e4:info")
	buf.WriteString("d6:lengthi")
	buf.WriteString(strconv.FormatInt(length, 10))
	buf.WriteString("e4:name8:test.bin12:piece lengthi")
	buf.WriteString(strconv.FormatInt(pieceLength, 10))
	buf.WriteString("e6:pieces")
	buf.WriteString(strconv.Itoa(pieces.Len()))
	buf.WriteString(":")
	buf.Write(pieces.Bytes())
	buf.WriteString("ee")

	return buf.Bytes()
}

func TestParse_SingleFile(t *testing.T) {
	raw := buildTorrent(t, 16384, 16384*2, 2)

	mi, err := Parse(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}

	if mi.Info.Name != "test.bin" {
		t.Fatalf("Name = %q, want test.bin", mi.Info.Name)
	}
	if mi.Info.PieceLength != 16384 {
		t.Fatalf("PieceLength = %d, want 16384", mi.Info.PieceLength)
	}
	if mi.NumPieces() != 2 {
		t.Fatalf("NumPieces() = %d, want 2", mi.NumPieces())
	}
	if mi.Announce != "http://tracker.test/" {
		t.Fatalf("Announce = %q", mi.Announce)
	}
	var zero [sha1.Size]byte
	if mi.InfoHash == zero {
		t.Fatalf("InfoHash was not computed")
	}
}

func TestParse_RejectsMultiFile(t *testing.T) {
	raw := []byte("d8:announce3:foo4:infod4:name1:x5:filesld6:lengthi1e4:pathl1:ceee12:piece lengthi1e6:pieces20:" +
		strings.Repeat("a", 20) + "ee")
	_, err := Parse(bytes.NewReader(raw))
	if err == nil {
		t.Fatalf("expected error for multi-file torrent")
	}
}

func TestParse_RejectsBadPiecesLength(t *testing.T) {
	raw := []byte("d8:announce3:foo4:infod4:name1:x6:lengthi1e12:piece lengthi1e6:pieces3:abcee")
	_, err := Parse(bytes.NewReader(raw))
	if err == nil {
		t.Fatalf("expected error for invalid pieces length")
	}
}
