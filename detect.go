package superres

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

const sniffLen = 12

var (
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	pngMagic  = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}
	riffMagic = []byte("RIFF")
	webpMagic = []byte("WEBP")
)

// DetectContentType performs a streaming check of the leading bytes of r without
// reading the full image. It returns one of SupportedContentTypes or
// "application/octet-stream".
func DetectContentType(r io.Reader) (string, error) {
	br := bufio.NewReaderSize(r, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return "", err
	}
	return sniffContentType(head), nil
}

func sniffContentType(head []byte) string {
	switch {
	case bytes.HasPrefix(head, jpegMagic):
		return mimeJPEG
	case bytes.HasPrefix(head, pngMagic):
		return mimePNG
	case len(head) >= sniffLen && bytes.Equal(head[:4], riffMagic) && bytes.Equal(head[8:12], webpMagic):
		return mimeWebP
	default:
		return mimeUnknown
	}
}
