package observability

import (
	"slices"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/louisbranch/identity.space/internal/services/projector/projection"
)

// ServicePrefix names per-tier services in the gRPC health protocol.
const ServicePrefix = "identity.space.projector."

// TierStatus is one row of the health board.
type TierStatus struct {
	Tier    string            `json:"tier"`
	Status  projection.Status `json:"status"`
	Message string            `json:"message,omitempty"`
	Since   time.Time         `json:"since"`
}

// Board tracks tier status for the gRPC health service and /healthz.
// The overall service is SERVING only while every tier serves.
type Board struct {
	mu      sync.Mutex
	tiers   map[string]TierStatus
	grpc    *health.Server
	metrics *Metrics
	clock   func() time.Time
}

var _ projection.Health = (*Board)(nil)

// NewBoard reports to grpcHealth and m when they are non-nil.
func NewBoard(grpcHealth *health.Server, m *Metrics) *Board {
	return &Board{
		tiers:   make(map[string]TierStatus),
		grpc:    grpcHealth,
		metrics: m,
		clock:   time.Now,
	}
}

// Watch registers tier as starting so the overall status waits for it.
func (b *Board) Watch(tier string) {
	b.SetStatus(tier, projection.StatusStarting, "")
}

func (b *Board) SetStatus(tier string, status projection.Status, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.set(tier, status, message)
}

func (b *Board) OnFault(tier string, status projection.Status, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.set(tier, status, message)
	if b.metrics != nil {
		b.metrics.fault(tier)
	}
}

func (b *Board) set(tier string, status projection.Status, message string) {
	prev, ok := b.tiers[tier]
	since := prev.Since
	if !ok || prev.Status != status {
		since = b.clock().UTC()
	}
	b.tiers[tier] = TierStatus{Tier: tier, Status: status, Message: message, Since: since}
	if b.metrics != nil {
		b.metrics.setStatus(tier, status)
	}
	if b.grpc != nil {
		b.grpc.SetServingStatus(ServicePrefix+tier, servingStatus(status))
		b.grpc.SetServingStatus("", b.overall())
	}
}

func (b *Board) overall() grpc_health_v1.HealthCheckResponse_ServingStatus {
	if b.healthy() {
		return grpc_health_v1.HealthCheckResponse_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_NOT_SERVING
}

func (b *Board) healthy() bool {
	if len(b.tiers) == 0 {
		return false
	}
	for _, ts := range b.tiers {
		if ts.Status != projection.StatusServing {
			return false
		}
	}
	return true
}

// Healthy reports whether every watched tier is serving.
func (b *Board) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthy()
}

// Snapshot returns the board ordered by tier.
func (b *Board) Snapshot() []TierStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]TierStatus, 0, len(b.tiers))
	for _, ts := range b.tiers {
		out = append(out, ts)
	}
	slices.SortFunc(out, func(a, b TierStatus) int {
		return strings.Compare(a.Tier, b.Tier)
	})
	return out
}

func servingStatus(status projection.Status) grpc_health_v1.HealthCheckResponse_ServingStatus {
	if status == projection.StatusServing {
		return grpc_health_v1.HealthCheckResponse_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_NOT_SERVING
}
