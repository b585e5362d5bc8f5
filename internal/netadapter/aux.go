package netadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
)

// RunAuxiliary is the body of the cooperating subprocess: it reads CALL
// frames from stdin, issues the corresponding HTTP request against
// baseURL, and writes RESULT/ERROR frames back on stdout. It blocks until
// stdin closes (the parent exited or tore the pipe down) or a frame read
// fails; ctx bounds each outbound HTTP request, not the loop.
// This is the half of spec §4.3 that "can make outbound requests directly."
func RunAuxiliary(ctx context.Context, baseURL string, sessionKey []byte) error {
	conn, err := newFrameConn(os.Stdout, os.Stdin, sessionKey)
	if err != nil {
		return err
	}

	if err := conn.writeFrame(wireFrame{Kind: kindReady}); err != nil {
		return err
	}

	client := &http.Client{Timeout: callTimeout}

	for {
		f, err := conn.readFrame()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		switch f.Kind {
		case kindPing:
			if err := conn.writeFrame(wireFrame{Kind: kindPong}); err != nil {
				return err
			}
		case kindCall:
			go handleCall(ctx, conn, client, baseURL, f)
		}
	}
}

func handleCall(ctx context.Context, conn *frameConn, client *http.Client, baseURL string, f wireFrame) {
	reqCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	var bodyReader io.Reader
	if len(f.Body) > 0 {
		bodyReader = bytes.NewReader(f.Body)
	}

	req, err := http.NewRequestWithContext(reqCtx, string(f.Method), baseURL+f.Endpoint, bodyReader)
	if err != nil {
		_ = conn.writeFrame(errorFrame(f.CorrelationID, 0, err.Error()))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		_ = conn.writeFrame(errorFrame(f.CorrelationID, 0, err.Error()))
		return
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		_ = conn.writeFrame(errorFrame(f.CorrelationID, resp.StatusCode, err.Error()))
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = conn.writeFrame(errorFrame(f.CorrelationID, resp.StatusCode, string(raw)))
		return
	}

	_ = conn.writeFrame(wireFrame{
		Kind:          kindResult,
		CorrelationID: f.CorrelationID,
		Result:        json.RawMessage(raw),
	})
}

func errorFrame(corrID string, status int, text string) wireFrame {
	return wireFrame{
		Kind:          kindError,
		CorrelationID: corrID,
		Status:        status,
		ErrorText:     text,
	}
}

