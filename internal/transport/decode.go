package transport

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// acceptEncoding is advertised on every upstream call; the body is decoded by
// readBody since the transport only decodes gzip it asked for itself.
const acceptEncoding = "gzip, deflate, br"

// maxBodySize caps upstream bodies read into memory.
const maxBodySize = 32 << 20

// ErrBodyTooLarge is returned when a decoded upstream body exceeds maxBodySize.
var ErrBodyTooLarge = errors.New("response body too large")

// readBody reads and decompresses an upstream body based on Content-Encoding.
func readBody(resp *http.Response) ([]byte, error) {
	reader, err := decodeReader(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		return nil, err
	}
	return readLimited(reader, maxBodySize)
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrBodyTooLarge, limit)
	}
	return data, nil
}

// deflateReader accepts both the zlib-wrapped stream HTTP deflate is defined
// as and the raw DEFLATE some servers send instead.
func deflateReader(body io.Reader) (io.Reader, error) {
	br := bufio.NewReader(body)
	header, err := br.Peek(2)
	if len(header) == 0 && errors.Is(err, io.EOF) {
		return strings.NewReader(""), nil
	}
	if len(header) == 2 && header[0]&0x0f == 8 && (uint16(header[0])<<8|uint16(header[1]))%31 == 0 {
		zr, err := zlib.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("failed to create zlib reader: %w", err)
		}
		return zr, nil
	}
	return flate.NewReader(br), nil
}

func decodeReader(encoding string, body io.Reader) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil
	case "gzip":
		gz, err := gzip.NewReader(body)
		if errors.Is(err, io.EOF) {
			return strings.NewReader(""), nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return gz, nil
	case "deflate":
		return deflateReader(body)
	case "br":
		return brotli.NewReader(body), nil
	default:
		slog.Warn(fmt.Sprintf("⚠️ [响应解码] 未知的内容编码: %s, 使用原始响应体", encoding))
		return body, nil
	}
}
