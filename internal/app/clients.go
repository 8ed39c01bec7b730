package app

import (
	"os"
	"strings"

	"github.com/mapforge/geoflow/internal/blob"
	"github.com/mapforge/geoflow/internal/broker"
	"github.com/mapforge/geoflow/internal/logger"
)

type Clients struct {
	Broker broker.Broker
	Blob   blob.Store
}

func wireClients(log *logger.Logger) (Clients, error) {
	log.Info("Wiring clients...")

	b, err := broker.NewRedisBroker(log, broker.RedisOptions{})
	if err != nil {
		return Clients{}, err
	}

	var store blob.Store
	if strings.TrimSpace(os.Getenv("GEOFLOW_GCS_BUCKET")) != "" {
		store, err = blob.NewGCSStore(log)
		if err != nil {
			return Clients{}, err
		}
	} else {
		log.Warn("GEOFLOW_GCS_BUCKET not set, using in-memory blob store")
		store = blob.NewMemory()
	}

	return Clients{Broker: b, Blob: store}, nil
}
