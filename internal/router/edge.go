package router

import (
	"bytes"
	"encoding/base64"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// edgeTransport satisfies http.RoundTripper by forwarding daemon API calls
// through the agent's WebSocket tunnel. The Docker SDK never notices it is
// not talking to a real daemon socket.
type edgeTransport struct {
	tunnel        Tunnel
	environmentID string
}

func (t *edgeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}

	headers := make(map[string]string, len(req.Header))
	for key := range req.Header {
		headers[key] = req.Header.Get(key)
	}

	if isStreamingRequest(req) {
		body, err := t.tunnel.StreamCall(req.Context(), t.environmentID, req.Method, path, headers)
		if err != nil {
			return nil, err
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Status:     http.StatusText(http.StatusOK),
			Proto:      "HTTP/1.1",
			ProtoMajor: 1,
			ProtoMinor: 1,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       body,
			Request:    req,
		}, nil
	}

	var reqBody string
	if req.Body != nil {
		data, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		reqBody = string(data)
	}

	resp, err := t.tunnel.Call(req.Context(), t.environmentID, req.Method, path, headers, reqBody)
	if err != nil {
		return nil, err
	}

	var respBody []byte
	if resp.IsBinary {
		respBody, err = base64.StdEncoding.DecodeString(resp.Body)
		if err != nil {
			return nil, err
		}
	} else {
		respBody = []byte(resp.Body)
	}

	header := make(http.Header, len(resp.Headers))
	for key, value := range resp.Headers {
		header.Set(key, value)
	}
	statusText := http.StatusText(resp.StatusCode)
	return &http.Response{
		StatusCode:    resp.StatusCode,
		Status:        strconv.Itoa(resp.StatusCode) + " " + statusText,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(respBody)),
		ContentLength: int64(len(respBody)),
		Request:       req,
	}, nil
}

// isStreamingRequest recognizes daemon endpoints whose responses do not
// terminate: the event feed, followed logs, streaming stats, and attach.
func isStreamingRequest(req *http.Request) bool {
	path := req.URL.Path
	query := req.URL.Query()

	if strings.HasSuffix(path, "/events") {
		return true
	}
	if strings.HasSuffix(path, "/attach") {
		return true
	}
	if strings.HasSuffix(path, "/logs") && isTruthy(query.Get("follow")) {
		return true
	}
	if strings.HasSuffix(path, "/stats") && !isTruthy(query.Get("one-shot")) && query.Get("stream") != "0" && query.Get("stream") != "false" {
		return true
	}
	return false
}

func isTruthy(v string) bool {
	return v == "1" || v == "true"
}
