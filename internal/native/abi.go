package native

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/novelshelf/catalogd/internal/script"
)

// Guest ABI. A catalog module exports:
//
//	memory
//	catalog_api_version() i32
//	alloc(size i32) i32
//	catalog_call(ptr, len i32) i64    packed (outPtr<<32 | outLen)
//
// and may import from the "catalog" host module:
//
//	log(level, ptr, len i32)
//	fetch(ptr, len i32) i64           packed like catalog_call
//
// Requests and responses are JSON.
const (
	hostModule = "catalog"

	exportMemory     = "memory"
	exportAPIVersion = "catalog_api_version"
	exportAlloc      = "alloc"
	exportCall       = "catalog_call"
)

type request struct {
	Method           string         `json:"method"`
	Page             int            `json:"page,omitempty"`
	Query            string         `json:"query,omitempty"`
	URL              string         `json:"url,omitempty"`
	Filters          map[string]any `json:"filters,omitempty"`
	ShowLatestNovels bool           `json:"showLatestNovels,omitempty"`
}

type envelope struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

type fetchRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

type fetchResponse struct {
	Status  int               `json:"status"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body"`
	Error   string            `json:"error,omitempty"`
}

type bridgeKey struct{}

func withBridge(ctx context.Context, b script.Bridge) context.Context {
	return context.WithValue(ctx, bridgeKey{}, b)
}

func bridgeFrom(ctx context.Context) script.Bridge {
	b, _ := ctx.Value(bridgeKey{}).(script.Bridge)
	return b
}

func pack(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

func unpack(v uint64) (ptr, length uint32) {
	return uint32(v >> 32), uint32(v)
}

// registerHost instantiates the "catalog" host module on r.
func registerHost(ctx context.Context, r wazero.Runtime) error {
	builder := r.NewHostModuleBuilder(hostModule)

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, level, ptr, length uint32) {
			b := bridgeFrom(ctx)
			if b == nil {
				return
			}
			b.Log(logLevel(level), readString(m, ptr, length))
		}).
		Export("log")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, length uint32) uint64 {
			resp := hostFetch(ctx, m, ptr, length)
			data, err := json.Marshal(resp)
			if err != nil {
				data = []byte(`{"error":"encoding response"}`)
			}
			out, err := writeGuest(ctx, m, data)
			if err != nil {
				return 0
			}
			return out
		}).
		Export("fetch")

	_, err := builder.Instantiate(ctx)
	return err
}

func hostFetch(ctx context.Context, m api.Module, ptr, length uint32) fetchResponse {
	b := bridgeFrom(ctx)
	if b == nil {
		return fetchResponse{Error: "fetch not available"}
	}

	data, ok := m.Memory().Read(ptr, length)
	if !ok {
		return fetchResponse{Error: "request out of bounds"}
	}
	var req fetchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fetchResponse{Error: "invalid request: " + err.Error()}
	}

	resp, err := b.Fetch(ctx, script.FetchRequest{
		URL:     req.URL,
		Method:  req.Method,
		Headers: req.Headers,
		Body:    req.Body,
	})
	if err != nil {
		return fetchResponse{Error: err.Error()}
	}
	return fetchResponse{
		Status:  resp.Status,
		URL:     resp.URL,
		Headers: resp.Headers,
		Body:    resp.Body,
	}
}

// writeGuest copies data into memory obtained from the guest's alloc.
func writeGuest(ctx context.Context, m api.Module, data []byte) (uint64, error) {
	alloc := m.ExportedFunction(exportAlloc)
	if alloc == nil {
		return 0, fmt.Errorf("module exports no %s", exportAlloc)
	}
	res, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("alloc: %w", err)
	}
	ptr := uint32(res[0])
	if !m.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("alloc returned out of bounds pointer %d", ptr)
	}
	return pack(ptr, uint32(len(data))), nil
}

func readString(m api.Module, ptr, length uint32) string {
	mem := m.Memory()
	if mem == nil {
		return ""
	}
	data, ok := mem.Read(ptr, length)
	if !ok {
		return ""
	}
	return string(data)
}

func logLevel(level uint32) string {
	switch level {
	case 0:
		return "debug"
	case 2:
		return "warn"
	case 3:
		return "error"
	default:
		return "info"
	}
}
