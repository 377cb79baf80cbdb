package connectors

import (
	"strconv"
	"strings"
	"time"

	"github.com/Bafix001/zibridge/internal/config"
	"github.com/Bafix001/zibridge/internal/domain"
	"go.uber.org/zap"
)

// Factory opens connectors from per-project credentials.
type Factory struct {
	cfg config.Config
	log *zap.SugaredLogger
}

func NewFactory(cfg config.Config, log *zap.SugaredLogger) *Factory {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Factory{cfg: cfg, log: log}
}

// Source opens an API source. Explicit credentials take precedence over the
// ones stored on the project.
func (f *Factory) Source(crmType string, project domain.Project, credentials map[string]string) (domain.Source, error) {
	creds := mergeCredentials(project.Config.Credentials, credentials)
	switch strings.ToLower(strings.TrimSpace(crmType)) {
	case "hubspot":
		h, err := f.hubspot(creds)
		if err != nil {
			return nil, err
		}
		return h, nil
	case "mock":
		n, _ := strconv.Atoi(creds["count"])
		return NewMockSource(n), nil
	case "":
		return nil, domain.Errorf(domain.KindValidation, "crm_type is required")
	}
	return nil, domain.Errorf(domain.KindValidation, "unsupported crm_type %q", crmType)
}

// Sink opens the remote writer used by restores. It matches
// application.SinkFactory.
func (f *Factory) Sink(crmType string, project domain.Project) (domain.Sink, error) {
	switch strings.ToLower(strings.TrimSpace(crmType)) {
	case "hubspot":
		h, err := f.hubspot(project.Config.Credentials)
		if err != nil {
			return nil, err
		}
		return h, nil
	case "", "local":
		return nil, nil
	}
	return nil, domain.Errorf(domain.KindValidation, "unsupported crm_type %q", crmType)
}

// Upload wraps an uploaded file. provider labels the snapshot source.
func (f *Factory) Upload(provider, filename string, data []byte) (domain.Source, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" || provider == "file" {
		provider = "csv"
	}
	return NewFileSource(provider, filename, data)
}

func (f *Factory) hubspot(creds map[string]string) (*HubSpot, error) {
	token := creds["token"]
	if token == "" {
		token = creds["access_token"]
	}
	return NewHubSpot(HubSpotConfig{
		BaseURL:  f.cfg.HubSpotBaseURL,
		Token:    token,
		RPS:      f.cfg.ConnectorRPS,
		Burst:    f.cfg.ConnectorBurst,
		RetryFor: time.Duration(f.cfg.ConnectorRetrySec) * time.Second,
	}, f.log.Named("hubspot"))
}

func mergeCredentials(stored, explicit map[string]string) map[string]string {
	out := make(map[string]string, len(stored)+len(explicit))
	for k, v := range stored {
		out[k] = v
	}
	for k, v := range explicit {
		if v != "" && v != "***" {
			out[k] = v
		}
	}
	return out
}
