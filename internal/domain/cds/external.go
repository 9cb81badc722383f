package cds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// externalServiceTimeout caps each proxied HTTP call.
const externalServiceTimeout = 10 * time.Second

// externalService proxies invocations to a remote CDS Hooks endpoint.
type externalService struct {
	descriptor ServiceDescriptor
	invokeURL  string
	client     *http.Client
}

func (s *externalService) Descriptor() ServiceDescriptor {
	return s.descriptor
}

func (s *externalService) Invoke(ctx context.Context, req *Request) (*Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal cds request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.invokeURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", s.descriptor.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("invoke %s: non-2xx response: %d", s.descriptor.ID, resp.StatusCode)
	}

	var out Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", s.descriptor.ID, err)
	}
	return &out, nil
}

// discoveryDocument is the body of GET {base}/cds-services.
type discoveryDocument struct {
	Services []ServiceDescriptor `json:"services"`
}

// RegisterExternal fetches the discovery document of a remote CDS Hooks
// endpoint and registers every listed service as a local proxy. It returns
// the number of services registered.
func (e *Engine) RegisterExternal(ctx context.Context, baseURL string) (int, error) {
	base := strings.TrimRight(baseURL, "/")
	client := &http.Client{Timeout: externalServiceTimeout}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/cds-services", nil)
	if err != nil {
		return 0, fmt.Errorf("build discovery request: %w", err)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("fetch discovery %s: %w", base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("fetch discovery %s: non-2xx response: %d", base, resp.StatusCode)
	}

	var doc discoveryDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&doc); err != nil {
		return 0, fmt.Errorf("decode discovery %s: %w", base, err)
	}

	registered := 0
	for _, desc := range doc.Services {
		if desc.ID == "" {
			continue
		}
		e.Register(&externalService{
			descriptor: desc,
			invokeURL:  base + "/cds-services/" + desc.ID,
			client:     client,
		})
		e.log.Info().Str("service", desc.ID).Str("hook", desc.Hook).Str("base", base).
			Msg("registered external cds service")
		registered++
	}
	return registered, nil
}
