// Package server implements the cardsyncd HTTP handlers and middleware.
package server

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/klauspost/compress/zstd"

	"github.com/kilupskalvis/cardsyncd/internal/protocol"
)

// headerEnvelope carries the request envelope for direct-POST clients.
const headerEnvelope = "anki-sync"

// headerOriginalSize tells direct-POST clients the uncompressed response
// length.
const headerOriginalSize = "anki-original-size"

var (
	zstdDecoder *zstd.Decoder
	zstdEncoder *zstd.Encoder
)

func init() {
	zstdDecoder, _ = zstd.NewReader(nil)
	zstdEncoder, _ = zstd.NewWriter(nil)
}

// request is one decoded sync request: the envelope plus the uncompressed
// payload.
type request struct {
	env  protocol.Envelope
	body []byte
	// direct marks the zstd direct-POST framing; replies must match it.
	direct bool
}

// readRequest decodes either wire variant. Modern clients put the envelope
// in a header and zstd-compress the body; legacy clients post a multipart
// form with the envelope spread over fields and an optionally gzipped data
// part.
func readRequest(r *http.Request, maxBytes int64) (*request, error) {
	if raw := r.Header.Get(headerEnvelope); raw != "" {
		req := &request{direct: true}
		if err := json.Unmarshal([]byte(raw), &req.env); err != nil {
			return nil, protocol.Wrap(protocol.KindBadRequest, err, "malformed sync envelope")
		}

		compressed, err := io.ReadAll(io.LimitReader(r.Body, maxBytes))
		if err != nil {
			return nil, protocol.Wrap(protocol.KindBadRequest, err, "failed to read request body")
		}
		if len(compressed) > 0 {
			body, err := zstdDecoder.DecodeAll(compressed, nil)
			if err != nil {
				return nil, protocol.Wrap(protocol.KindBadRequest, err, "failed to decompress request body")
			}
			if int64(len(body)) > maxBytes {
				return nil, protocol.Errorf(protocol.KindBadRequest, "request body too large")
			}
			req.body = body
		}
		return req, nil
	}

	return readLegacyRequest(r, maxBytes)
}

func readLegacyRequest(r *http.Request, maxBytes int64) (*request, error) {
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		return nil, protocol.Wrap(protocol.KindBadRequest, err, "malformed sync form")
	}

	req := &request{}
	req.env.HostKey = r.FormValue("k")
	req.env.SessionKey = r.FormValue("sk")
	if req.env.SessionKey == "" {
		req.env.SessionKey = r.FormValue("s")
	}
	if v := r.FormValue("v"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			req.env.Version = n
		}
	}

	file, _, err := r.FormFile("data")
	if err == http.ErrMissingFile {
		return req, nil
	}
	if err != nil {
		return nil, protocol.Wrap(protocol.KindBadRequest, err, "unreadable data part")
	}
	defer file.Close()

	reader := io.Reader(file)
	// The legacy compression flag is a form field; "0" means plain.
	if c := r.FormValue("c"); c != "" && c != "0" {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return nil, protocol.Wrap(protocol.KindBadRequest, err, "invalid gzip data part")
		}
		defer gz.Close()
		reader = gz
	}

	body, err := io.ReadAll(io.LimitReader(reader, maxBytes))
	if err != nil {
		return nil, protocol.Wrap(protocol.KindBadRequest, err, "failed to read data part")
	}
	req.body = body
	return req, nil
}

// writeBytes replies in the framing the request used: zstd with the
// original-size header for direct-POST clients, plain bytes for legacy.
func writeBytes(w http.ResponseWriter, req *request, contentType string, data []byte) {
	if req != nil && req.direct {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set(headerOriginalSize, strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		w.Write(zstdEncoder.EncodeAll(data, nil))
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// writeJSONBody JSON-encodes a payload in the request's framing.
func writeJSONBody(w http.ResponseWriter, req *request, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeBytes(w, req, "application/json", data)
}

// statusFor maps an error classification to its HTTP status.
func statusFor(kind protocol.Kind) int {
	switch kind {
	case protocol.KindBadRequest, protocol.KindSchemaIncompatible:
		return http.StatusBadRequest
	case protocol.KindAuthFailed, protocol.KindAccountUnconfirmed, protocol.KindPasswordChangeRequired:
		return http.StatusForbidden
	case protocol.KindNotFound:
		return http.StatusNotFound
	case protocol.KindMediaConflict:
		return http.StatusConflict
	case protocol.KindQueueTimeout:
		return http.StatusServiceUnavailable
	case protocol.KindProtocolMismatch, protocol.KindObsoleteClient:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps a sync failure onto the wire. Auth refusals carry their
// discriminator string as the body, which clients surface verbatim.
func writeError(w http.ResponseWriter, err error) {
	var pe *protocol.Error
	if errors.As(err, &pe) {
		status := statusFor(pe.Kind)
		if status == http.StatusForbidden {
			http.Error(w, pe.AuthMessage(), status)
		} else {
			http.Error(w, pe.Message, status)
		}
		return
	}
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

func parseJSONBody(req *request, v any) error {
	if len(req.body) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.body, v); err != nil {
		return protocol.Wrap(protocol.KindBadRequest, err, "invalid JSON payload")
	}
	return nil
}
