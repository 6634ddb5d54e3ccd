package browser

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
)

// consoleEntry is one console message or uncaught exception
type consoleEntry struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// consoleRecorder accumulates console output from CDP runtime events
type consoleRecorder struct {
	mu      sync.Mutex
	entries []consoleEntry
}

func newConsoleRecorder() *consoleRecorder {
	return &consoleRecorder{}
}

func (r *consoleRecorder) recordCall(ev *runtime.EventConsoleAPICalled) {
	message := ""
	for i, arg := range ev.Args {
		if i > 0 {
			message += " "
		}
		message += remoteObjectString(arg)
	}
	r.append(consoleEntry{
		Level:     string(ev.Type),
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (r *consoleRecorder) recordException(ev *runtime.EventExceptionThrown) {
	message := ev.ExceptionDetails.Text
	if ev.ExceptionDetails.Exception != nil {
		if detail := remoteObjectString(ev.ExceptionDetails.Exception); detail != "" {
			message += " " + detail
		}
	}
	r.append(consoleEntry{
		Level:     "exception",
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (r *consoleRecorder) append(entry consoleEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

func (r *consoleRecorder) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, entry := range r.entries {
		if entry.Level == "error" || entry.Level == "exception" {
			count++
		}
	}
	return count
}

func (r *consoleRecorder) marshal() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.entries
	if entries == nil {
		entries = []consoleEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return []byte("[]")
	}
	return data
}

func remoteObjectString(obj *runtime.RemoteObject) string {
	if obj == nil {
		return ""
	}
	if len(obj.Value) > 0 {
		return string(obj.Value)
	}
	return obj.Description
}

// requestEntry is one request/response pair in the request log
type requestEntry struct {
	URL      string `json:"url"`
	Method   string `json:"method"`
	Status   int64  `json:"status,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// requestRecorder accumulates network activity for the HAR-style log
type requestRecorder struct {
	mu       sync.Mutex
	byID     map[network.RequestID]*requestEntry
	order    []network.RequestID
	lastSeen time.Time
}

func newRequestRecorder() *requestRecorder {
	return &requestRecorder{
		byID:     make(map[network.RequestID]*requestEntry),
		lastSeen: time.Now(),
	}
}

func (r *requestRecorder) recordRequest(ev *network.EventRequestWillBeSent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[ev.RequestID]; !ok {
		r.order = append(r.order, ev.RequestID)
	}
	r.byID[ev.RequestID] = &requestEntry{
		URL:    ev.Request.URL,
		Method: ev.Request.Method,
	}
	r.lastSeen = time.Now()
}

func (r *requestRecorder) recordResponse(ev *network.EventResponseReceived) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.byID[ev.RequestID]; ok {
		entry.Status = ev.Response.Status
		entry.MimeType = ev.Response.MimeType
	}
	r.lastSeen = time.Now()
}

func (r *requestRecorder) lastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeen
}

func (r *requestRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// marshalHAR renders the captured requests as a minimal HAR 1.2 log
func (r *requestRecorder) marshalHAR(started time.Time) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]map[string]interface{}, 0, len(r.order))
	for _, id := range r.order {
		entry := r.byID[id]
		entries = append(entries, map[string]interface{}{
			"request": map[string]interface{}{
				"url":    entry.URL,
				"method": entry.Method,
			},
			"response": map[string]interface{}{
				"status":   entry.Status,
				"mimeType": entry.MimeType,
			},
		})
	}

	har := map[string]interface{}{
		"log": map[string]interface{}{
			"version": "1.2",
			"creator": map[string]interface{}{"name": "vigil", "version": "1.0"},
			"pages": []map[string]interface{}{
				{"startedDateTime": started.UTC().Format(time.RFC3339Nano), "id": "page_1"},
			},
			"entries": entries,
		},
	}

	data, err := json.Marshal(har)
	if err != nil {
		return []byte(`{"log":{"version":"1.2","entries":[]}}`)
	}
	return data
}
