package service

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/sark-gateway/sark/internal/adapter/protocol"
	"github.com/sark-gateway/sark/internal/domain/registry"
)

// discoverConcurrency bounds parallel capability listings per run.
const discoverConcurrency = 4

// DiscoveryService walks a protocol adapter's resources and registers the
// discovered servers and their capabilities in the catalog.
type DiscoveryService struct {
	adapters *protocol.Registry
	catalog  *registry.Registry
	logger   *slog.Logger
}

// NewDiscoveryService wires discovery.
func NewDiscoveryService(adapters *protocol.Registry, catalog *registry.Registry, logger *slog.Logger) *DiscoveryService {
	return &DiscoveryService{adapters: adapters, catalog: catalog, logger: logger}
}

// DiscoveryReport summarizes one discovery run.
type DiscoveryReport struct {
	Protocol string             `json:"protocol"`
	Servers  []*registry.Server `json:"servers"`
	// Failed lists resources whose capability listing or registration failed.
	Failed map[string]string `json:"failed,omitempty"`
}

// Discover enumerates the adapter's resources and registers each as a
// server owned by ownerID. Individual resource failures do not abort the
// run; they are reported per resource.
func (s *DiscoveryService) Discover(ctx context.Context, protocolName, ownerID string, tags []string) (*DiscoveryReport, error) {
	adapter, err := s.adapters.Lookup(protocolName)
	if err != nil {
		return nil, err
	}
	resources, err := adapter.DiscoverResources(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover %s resources: %w", protocolName, err)
	}

	// Capability listings fan out per resource; registration stays
	// sequential so catalog order follows resource order.
	listings := make([]struct {
		spec registry.Spec
		err  error
	}, len(resources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(discoverConcurrency)
	for i, res := range resources {
		g.Go(func() error {
			caps, err := adapter.GetCapabilities(gctx, res.Name)
			if err != nil {
				listings[i].err = err
				return nil
			}

			// The protocol tag routes invocations back to the right adapter;
			// transport alone is ambiguous for MCP over HTTP.
			spec := registry.Spec{
				Name:      res.Name,
				Transport: transportFor(protocolName, res.Endpoint),
				Endpoint:  res.Endpoint,
				OwnerID:   ownerID,
				Tags:      append(append([]string{}, tags...), "protocol:"+protocolName),
				Tools:     make([]registry.CapabilitySpec, 0, len(caps)),
			}
			for _, c := range caps {
				spec.Tools = append(spec.Tools, registry.CapabilitySpec{
					Name:            c.Name,
					Description:     c.Description,
					InputSchema:     c.InputSchema,
					SensitivityHint: c.SensitivityHint,
				})
			}
			listings[i].spec = spec
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report := &DiscoveryReport{Protocol: protocolName, Failed: map[string]string{}}
	for i, res := range resources {
		if listings[i].err != nil {
			s.logger.Warn("capability listing failed",
				"protocol", protocolName, "resource", res.Name, "error", listings[i].err)
			report.Failed[res.Name] = listings[i].err.Error()
			continue
		}

		srv, err := s.catalog.Register(ctx, listings[i].spec)
		if err != nil {
			s.logger.Warn("registration failed",
				"protocol", protocolName, "resource", res.Name, "error", err)
			report.Failed[res.Name] = err.Error()
			continue
		}
		report.Servers = append(report.Servers, srv)
	}
	if len(report.Failed) == 0 {
		report.Failed = nil
	}

	s.logger.Info("discovery run complete",
		"protocol", protocolName,
		"registered", len(report.Servers),
		"failed", len(resources)-len(report.Servers))
	return report, nil
}

// transportFor maps a protocol name to the catalog transport. MCP servers
// register under the transport they are reached by.
func transportFor(protocolName, endpoint string) registry.Transport {
	switch protocolName {
	case "grpc":
		return registry.TransportGRPC
	case "database":
		return registry.TransportDatabase
	case "mcp":
		if endpoint == "" {
			return registry.TransportStdio
		}
		return registry.TransportHTTP
	default:
		return registry.TransportHTTP
	}
}
