package remote

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// acceptEncoding 是 fetcher 唯一声明支持的编码集合。
const acceptEncoding = "gzip,deflate,identity"

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// decodeBody 根据 Content-Encoding 包装解码器。deflate 兼容 zlib 包装与裸 deflate 两种常见形态。
func decodeBody(body io.Reader, encoding string) (io.Reader, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nopCloser{}, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, nil, fmt.Errorf("gzip header: %w", err)
		}
		return zr, zr, nil
	case "deflate":
		br := bufio.NewReader(body)
		if looksLikeZlib(br) {
			zr, err := zlib.NewReader(br)
			if err != nil {
				return nil, nil, fmt.Errorf("zlib header: %w", err)
			}
			return zr, zr, nil
		}
		fr := flate.NewReader(br)
		return fr, fr, nil
	default:
		return nil, nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

func looksLikeZlib(br *bufio.Reader) bool {
	hdr, err := br.Peek(2)
	if err != nil || len(hdr) < 2 {
		return false
	}
	cmf, flg := hdr[0], hdr[1]
	return cmf&0x0f == 8 && (uint16(cmf)<<8|uint16(flg))%31 == 0
}
