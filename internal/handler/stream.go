package handler

import "net/http"

// flushWriter wraps a gin response writer so every Write flushes
// immediately, forwarding dispatch's streamed upstream bytes to the client
// without buffering behind gin's own writer. SSE headers and the 200 status
// are only committed on the first Write, so a Dispatch error that occurs
// before any upstream byte arrives (admission denial, no account available,
// a fatal classified error) can still be rendered as a normal JSON error
// response instead of a broken empty stream.
type flushWriter struct {
	w       http.ResponseWriter
	f       http.Flusher
	started bool
}

func newStreamWriter(w http.ResponseWriter) *flushWriter {
	f, _ := w.(http.Flusher)
	return &flushWriter{w: w, f: f}
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	if !fw.started {
		setSSEHeaders(fw.w)
		fw.w.WriteHeader(http.StatusOK)
		fw.started = true
	}
	n, err := fw.w.Write(p)
	if fw.f != nil {
		fw.f.Flush()
	}
	return n, err
}

func (fw *flushWriter) Started() bool { return fw.started }

func setSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
}
