package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	uploadBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backup_upload_bytes_total",
		Help: "Bytes uploaded to object storage, by upload strategy.",
	}, []string{"strategy"})

	multipartPartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backup_multipart_parts_total",
		Help: "Multipart upload parts uploaded.",
	})
)
