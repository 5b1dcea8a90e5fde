//go:build integration

package integration_test

import (
	"context"
	"log/slog"
	"net/netip"

	"github.com/dantte-lp/gobfd/internal/bfd"
	"github.com/dantte-lp/gobfd/internal/broker"
	"github.com/dantte-lp/gobfd/internal/config"
)

// discardSender is a PacketSender that drops every packet, for tests that
// exercise the control-plane API without a live network.
type discardSender struct{}

func (discardSender) SendPacket(_ context.Context, _ []byte, _ netip.Addr) error {
	return nil
}

// newTestBroker builds a Broker with a single ManagerInstance wrapping mgr,
// accepting both single-hop and multi-hop requests, backed by a
// discardSender. Mirrors how cmd/gobfd wires the broker in production,
// minus the real UDP sender factory.
func newTestBroker(mgr *bfd.Manager, logger *slog.Logger) *broker.Broker {
	brk := broker.New(logger)

	sender := func(broker.BindingKey) (bfd.PacketSender, error) {
		return discardSender{}, nil
	}

	engineCfg := config.BFDConfig{
		AcceptDirect:   true,
		AcceptMultihop: true,
	}

	mi := broker.NewManagerInstance("test", "", mgr, sender, engineCfg, nil)
	brk.AddEngineInstance(context.Background(), mi)

	return brk
}
