package offline

import "fmt"

// BackendConfig selects and configures a cache backend.
type BackendConfig struct {
	Backend        string // disk | minio
	Dir            string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
}

func OpenBackend(cfg BackendConfig) (Backend, error) {
	switch cfg.Backend {
	case "disk", "":
		b, err := NewDiskBackend(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "minio":
		b, err := NewMinioBackend(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("offline: unknown backend %q", cfg.Backend)
	}
}
