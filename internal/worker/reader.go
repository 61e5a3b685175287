package worker

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"log/slog"
)

// stdout pipes buffer up to 1 MiB per frame line; model payloads
// (feature importance tables, SHAP matrices) can be large.
const readerBufSize = 1 << 20

// ReadLoop pumps decoded frames from a child's stdout until EOF or a
// fatal decode error. Replies are matched against corr; a reply nobody
// is waiting for, and every notification and log frame, goes to onFrame.
// On exit the correlator is drained with ErrDisconnected so no caller
// blocks past the child's death, then onEOF runs exactly once.
//
// Run this in its own goroutine; it owns the read side of the pipe.
func ReadLoop(r io.Reader, codec Codec, corr *Correlator, onFrame func(Frame), onEOF func(err error)) {
	br := bufio.NewReaderSize(r, readerBufSize)
	var cause error
	for {
		f, err := codec.Decode(br)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				cause = err
				slog.Warn("worker stream terminated", "err", err)
			}
			break
		}
		switch f.Type {
		case FrameReply:
			res := Result{Payload: f.Payload}
			if f.Err != "" {
				res.Err = errors.New(f.Err)
			}
			if !corr.Resolve(f.ID, res) {
				// late or unsolicited reply; surface it instead of dropping
				onFrame(f)
			}
		default:
			onFrame(f)
		}
	}
	corr.DrainAll(ErrDisconnected)
	if onEOF != nil {
		onEOF(cause)
	}
}

// StderrLoop forwards each stderr line to emit. Children use stderr for
// diagnostics only, so lines are passed through untouched.
func StderrLoop(r io.Reader, emit func(line string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), readerBufSize)
	for sc.Scan() {
		line := string(bytes.TrimRight(sc.Bytes(), "\r"))
		if line != "" {
			emit(line)
		}
	}
}
