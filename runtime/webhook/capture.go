package webhook

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"goa.design/flow/runtime/api"
)

// Multipart upload limits.
const (
	maxFileSize  = 50 << 20 // 50 MB per file
	maxFileCount = 20
	maxFieldNum  = 50
)

// defaultBinaryProperty names the item property uploaded files land under
// when the binaryProperty option is unset.
const defaultBinaryProperty = "data"

// captureRequest converts an HTTP request into the trigger payload handed to
// the start node: method, filtered headers, query, parsed body, path params,
// client IP and user agent. Multipart bodies become base64 binary entries.
func captureRequest(r *http.Request, e *Entry, params map[string]string, clientIP string, test bool) (map[string]any, error) {
	data := map[string]any{
		"method":    r.Method,
		"path":      r.URL.Path,
		"headers":   filterHeaders(r.Header, e.Settings.Options.PropertyName),
		"query":     queryMap(r),
		"params":    params,
		"ip":        clientIP,
		"userAgent": r.UserAgent(),
	}
	if test {
		data["test"] = true
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "multipart/") {
		body, binary, err := captureMultipart(r, e.Settings.Options.BinaryProperty)
		if err != nil {
			return nil, err
		}
		data["body"] = body
		if len(binary) > 0 {
			data["binary"] = binary
		}
		return data, nil
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxFileSize))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if e.Settings.Options.RawBody {
		data["body"] = string(raw)
		return data, nil
	}
	if len(raw) == 0 {
		data["body"] = nil
		return data, nil
	}
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		// Non-JSON payloads are delivered verbatim.
		data["body"] = string(raw)
		return data, nil
	}
	data["body"] = parsed
	return data, nil
}

// captureMultipart reads a multipart body into form fields and base64 binary
// entries, enforcing the upload limits.
func captureMultipart(r *http.Request, binaryProperty string) (map[string]any, map[string]*api.BinaryFile, error) {
	if binaryProperty == "" {
		binaryProperty = defaultBinaryProperty
	}
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, nil, fmt.Errorf("read multipart body: %w", err)
	}
	fields := make(map[string]any)
	binary := make(map[string]*api.BinaryFile)
	var fileCount, fieldCount int
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read multipart part: %w", err)
		}
		content, err := io.ReadAll(io.LimitReader(part, maxFileSize+1))
		part.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("read multipart part: %w", err)
		}
		if len(content) > maxFileSize {
			return nil, nil, fmt.Errorf("multipart part %q exceeds %d bytes", part.FormName(), maxFileSize)
		}
		if part.FileName() == "" {
			if fieldCount++; fieldCount > maxFieldNum {
				return nil, nil, fmt.Errorf("multipart body exceeds %d fields", maxFieldNum)
			}
			fields[part.FormName()] = string(content)
			continue
		}
		if fileCount >= maxFileCount {
			return nil, nil, fmt.Errorf("multipart body exceeds %d files", maxFileCount)
		}
		key := binaryProperty
		if fileCount > 0 {
			key += strconv.Itoa(fileCount)
		}
		binary[key] = &api.BinaryFile{
			Data:     base64.StdEncoding.EncodeToString(content),
			MimeType: part.Header.Get("Content-Type"),
			FileName: part.FileName(),
			FileSize: int64(len(content)),
		}
		fileCount++
	}
	return fields, binary, nil
}

// filterHeaders flattens request headers, applying the propertyName allowlist
// when set (comma-separated header names, case-insensitive).
func filterHeaders(h http.Header, allowlist string) map[string]string {
	var allowed map[string]bool
	if s := strings.TrimSpace(allowlist); s != "" {
		allowed = make(map[string]bool)
		for _, name := range strings.Split(s, ",") {
			allowed[strings.ToLower(strings.TrimSpace(name))] = true
		}
	}
	out := make(map[string]string, len(h))
	for name, values := range h {
		if allowed != nil && !allowed[strings.ToLower(name)] {
			continue
		}
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}

func queryMap(r *http.Request) map[string]any {
	out := make(map[string]any)
	for name, values := range r.URL.Query() {
		if len(values) == 1 {
			out[name] = values[0]
			continue
		}
		out[name] = values
	}
	return out
}

// clientIP extracts the originating client address, preferring the first
// X-Forwarded-For entry over the connection remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return strings.Trim(host, "[]")
}
