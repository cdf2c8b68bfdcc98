package webhook

import (
	"fmt"

	"github.com/mattjoyce/switchyard/internal/config"
)

const (
	defaultSignatureHeader = "X-Hub-Signature-256"
	eventHeader            = "X-GitHub-Event"
)

type endpoint struct {
	path            string
	format          string
	secret          string
	signatureHeader string
	maxBodySize     int64
}

// endpointsFrom resolves configured endpoints, filling defaults.
func endpointsFrom(wc *config.WebhooksConfig) (map[string]*endpoint, error) {
	out := make(map[string]*endpoint)
	if wc == nil {
		return out, nil
	}
	for _, ep := range wc.Endpoints {
		if _, dup := out[ep.Path]; dup {
			return nil, fmt.Errorf("webhook endpoint %q configured twice", ep.Path)
		}
		e := &endpoint{
			path:            ep.Path,
			format:          ep.Format,
			secret:          ep.Secret,
			signatureHeader: ep.SignatureHeader,
			maxBodySize:     ep.MaxBodySize,
		}
		if e.format == "" {
			e.format = FormatGitHub
		}
		if e.format != FormatGitHub && e.format != FormatGeneric {
			return nil, fmt.Errorf("webhook endpoint %q: unknown format %q", ep.Path, ep.Format)
		}
		if e.signatureHeader == "" {
			e.signatureHeader = defaultSignatureHeader
		}
		if e.maxBodySize <= 0 {
			e.maxBodySize = config.DefaultMaxBodySize
		}
		out[e.path] = e
	}
	return out, nil
}
