package pipeline

import "net/http"

// flushWriter adapts an http.ResponseWriter into the gated ClientWriter
// the interceptor and the tee path both stream into, flushing after every
// write so SSE frames reach the client as they are produced rather than
// sitting in a buffer.
type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newFlushWriter(w http.ResponseWriter) *flushWriter {
	f, _ := w.(http.Flusher)
	return &flushWriter{w: w, f: f}
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err == nil {
		fw.Flush()
	}
	return n, err
}

func (fw *flushWriter) Flush() {
	if fw.f != nil {
		fw.f.Flush()
	}
}
