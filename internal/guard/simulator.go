package guard

import (
	"context"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Simulator dry-runs a transaction. A non-nil error means the simulation
// failed and the transaction must not be sent.
type Simulator interface {
	Simulate(ctx context.Context, tx TxIntent) error
}

type SimulatorFunc func(ctx context.Context, tx TxIntent) error

func (f SimulatorFunc) Simulate(ctx context.Context, tx TxIntent) error { return f(ctx, tx) }

// CallSimulator simulates with eth_call against the latest block.
type CallSimulator struct {
	client *ethclient.Client
}

func DialSimulator(ctx context.Context, rpcURL string) (*CallSimulator, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial simulator rpc: %w", err)
	}
	return &CallSimulator{client: client}, nil
}

func (s *CallSimulator) Simulate(ctx context.Context, tx TxIntent) error {
	msg := ethereum.CallMsg{
		From:  common.HexToAddress(tx.From),
		Value: tx.value(),
		Data:  tx.Data,
	}
	if tx.To != "" {
		to := common.HexToAddress(tx.To)
		msg.To = &to
	}
	if _, err := s.client.CallContract(ctx, msg, nil); err != nil {
		return fmt.Errorf("eth_call: %w", err)
	}
	return nil
}

func (s *CallSimulator) Close() {
	s.client.Close()
}

// ChainID reports the chain the simulator RPC serves.
func (s *CallSimulator) ChainID(ctx context.Context) (*big.Int, error) {
	return s.client.ChainID(ctx)
}
