package custody

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

func dialHolder(t *testing.T, h Holder) *HolderClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterKeyShareServer(srv, NewHolderServer(h, zap.NewNop()))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewHolderClient(h.ID(), conn)
}

func TestGRPCHolders_QuorumOverNetwork(t *testing.T) {
	ctx := context.Background()
	g, err := NewGuard(ctx)
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	var remote []Holder
	for _, id := range []string{"h1", "h2", "h3"} {
		remote = append(remote, dialHolder(t, NewLocalHolder(id, g, zap.NewNop())))
	}

	e := &env{ctx: ctx, guard: g, store: NewMemoryWalletStore(), holders: remote}
	e.wallets = NewWalletManager(e.store, remote, 0, zap.NewNop())
	e.wallet, err = e.wallets.Create(ctx, "alice", 2, []string{"h1", "h2", "h3"})
	if err != nil {
		t.Fatalf("create over grpc: %v", err)
	}
	base := newEnv(t)
	p := *base.policy
	p.WalletID = e.wallet.ID
	p.ContentHash = p.ComputeHash()
	e.policy = &p

	c := NewCoordinator(e.store, remote, g, nil, time.Second, zap.NewNop())
	if _, err := c.Sign(ctx, e.tx("tx-1", 5000), e.policy, false); err != nil {
		t.Fatalf("sign over grpc: %v", err)
	}

	// Отказ держателя доходит до клиента как ErrRefused
	att := AttestationFor(e.tx("tx-2", 50000), e.wallet.Epoch)
	_, err = remote[0].SignPartial(ctx, SignRequest{Attestation: att, Digest: att.Digest(), Policy: *e.policy})
	if !errors.Is(err, ErrRefused) {
		t.Fatalf("expected ErrRefused over grpc, got %v", err)
	}
}
