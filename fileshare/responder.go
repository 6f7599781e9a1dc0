package fileshare

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog/hlog"

	"github.com/davidoram/bletool/sandbox"
)

// DefaultChunkSize is the read size used when streaming file bodies.
const DefaultChunkSize = 4096

// Responder streams sandboxed files, honouring single byte ranges.
type Responder struct {
	ChunkSize int
}

// ContentType guesses the MIME type from the file extension.
func ContentType(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// ContentDisposition is the inline disposition for name, quoted or RFC 2231
// encoded as needed.
func ContentDisposition(name string) string {
	if v := mime.FormatMediaType("inline", map[string]string{"filename": name}); v != "" {
		return v
	}
	return "inline"
}

// Serve writes the file entry to w. Without a Range header the whole file is
// sent with 200, otherwise the requested span with 206. Malformed or
// unsatisfiable ranges are answered with 416.
func (rs *Responder) Serve(w http.ResponseWriter, r *http.Request, e sandbox.Entry) error {
	if e.Kind != sandbox.File {
		return fmt.Errorf("serve %s: %w", e.Rel, sandbox.ErrNotFound)
	}
	f, err := os.Open(e.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", e.Rel, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", e.Rel, err)
	}
	size := fi.Size()
	name := e.Name()

	h := w.Header()
	h.Set("Accept-Ranges", "bytes")

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		h.Set("Content-Type", ContentType(name))
		h.Set("Content-Disposition", ContentDisposition(name))
		h.Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		n, err := copyChunks(r.Context(), w, f, size, rs.chunkSize())
		rs.logDone(r, e, n, err)
		return nil
	}

	br, err := ParseRange(rangeHeader, size)
	if err != nil {
		hlog.FromRequest(r).Debug().Err(err).Str("range", rangeHeader).Int64("size", size).Msg("rejected range")
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, err.Error(), http.StatusRequestedRangeNotSatisfiable)
		return nil
	}
	if _, err := f.Seek(br.Start, io.SeekStart); err != nil {
		return fmt.Errorf("seek %s: %w", e.Rel, err)
	}
	h.Set("Content-Type", ContentType(name))
	h.Set("Content-Disposition", ContentDisposition(name))
	h.Set("Content-Range", br.ContentRange(size))
	h.Set("Content-Length", strconv.FormatInt(br.Length(), 10))
	w.WriteHeader(http.StatusPartialContent)
	n, err := copyChunks(r.Context(), w, f, br.Length(), rs.chunkSize())
	rs.logDone(r, e, n, err)
	return nil
}

func (rs *Responder) chunkSize() int {
	if rs == nil || rs.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return rs.ChunkSize
}

// Once the status line is out errors can only be logged.
func (rs *Responder) logDone(r *http.Request, e sandbox.Entry, n int64, err error) {
	l := hlog.FromRequest(r)
	if err != nil {
		l.Warn().Err(err).Str("file", e.Rel).Int64("written", n).Msg("stream aborted")
		return
	}
	l.Debug().Str("file", e.Rel).Int64("written", n).Msg("stream done")
}

// copyChunks copies at most n bytes from src to dst with reads of at most
// chunk bytes, stopping as soon as ctx is done.
func copyChunks(ctx context.Context, dst io.Writer, src io.Reader, n int64, chunk int) (int64, error) {
	buf := make([]byte, chunk)
	var written int64
	for written < n {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		want := int64(len(buf))
		if rest := n - written; rest < want {
			want = rest
		}
		nr, rerr := src.Read(buf[:want])
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
		}
		if errors.Is(rerr, io.EOF) {
			if written < n {
				return written, io.ErrUnexpectedEOF
			}
			break
		}
		if rerr != nil {
			return written, rerr
		}
	}
	return written, nil
}
