package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/gftdcojp/dataset-tiered-cache/internal/acquire"
	"github.com/gftdcojp/dataset-tiered-cache/internal/cache"
	"github.com/gftdcojp/dataset-tiered-cache/internal/catalog"
	"github.com/gftdcojp/dataset-tiered-cache/internal/config"
)

// RunNATSResponder subscribes to NATS request-reply subjects for dataset
// status queries and remote acquisition triggers.
// Subject patterns: {prefix}.status.{dataset} and {prefix}.acquire.{dataset}
func RunNATSResponder(ctx context.Context, nc *nats.Conn, cfg config.NATSConfig, cat *catalog.Catalog, cm *cache.Manager, runner *acquire.BatchRunner, logger *zap.Logger) error {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "dtc"
	}

	statusSubject := prefix + ".status.>"
	statusSub, err := nc.Subscribe(statusSubject, func(msg *nats.Msg) {
		name, ok := datasetFromSubject(msg.Subject, prefix, "status")
		if !ok {
			msg.Respond([]byte(`{"error":"invalid subject format"}`))
			return
		}
		if _, err := cat.Lookup(name); err != nil {
			msg.Respond([]byte(fmt.Sprintf(`{"error":%q}`, err.Error())))
			return
		}

		resp, _ := json.Marshal(map[string]interface{}{
			"name":    name,
			"tiers":   cm.Status(name),
			"running": runner.Running(name),
		})
		msg.Respond(resp)
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", statusSubject, err)
	}

	acquireSubject := prefix + ".acquire.>"
	acquireSub, err := nc.Subscribe(acquireSubject, func(msg *nats.Msg) {
		name, ok := datasetFromSubject(msg.Subject, prefix, "acquire")
		if !ok {
			msg.Respond([]byte(`{"error":"invalid subject format"}`))
			return
		}
		if _, err := cat.Lookup(name); err != nil {
			msg.Respond([]byte(fmt.Sprintf(`{"error":%q}`, err.Error())))
			return
		}

		// Acquisition can run for minutes; ack immediately and let the
		// requester poll the status subject.
		if runner.Running(name) {
			msg.Respond([]byte(`{"status":"already running"}`))
			return
		}
		go func() {
			if _, ran := runner.Run(ctx, name, acquire.Options{}); !ran {
				logger.Warn("acquisition request lost race", zap.String("dataset", name))
			}
		}()
		msg.Respond([]byte(`{"status":"started"}`))
	})
	if err != nil {
		statusSub.Unsubscribe()
		return fmt.Errorf("subscribing to %s: %w", acquireSubject, err)
	}

	logger.Info("NATS responder started",
		zap.String("status_subject", statusSubject),
		zap.String("acquire_subject", acquireSubject),
	)

	<-ctx.Done()
	statusSub.Unsubscribe()
	acquireSub.Unsubscribe()
	return nil
}

// datasetFromSubject extracts the dataset name from {prefix}.{verb}.{name}.
// Names may contain dots, so everything after the verb token is the name.
func datasetFromSubject(subject, prefix, verb string) (string, bool) {
	rest, ok := strings.CutPrefix(subject, prefix+"."+verb+".")
	if !ok || rest == "" {
		return "", false
	}
	return rest, true
}
