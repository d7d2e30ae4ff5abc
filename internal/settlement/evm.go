package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"go.uber.org/zap"
)

// guardContractABI — контракт-хранитель: выполняет перевод, только если
// набран кворум подписей держателей над digest.
const guardContractABI = `[{"type":"function","name":"execute","stateMutability":"nonpayable","inputs":[
	{"name":"to","type":"address"},
	{"name":"amount","type":"uint256"},
	{"name":"digest","type":"bytes32"},
	{"name":"signatures","type":"bytes[]"}],"outputs":[]}]`

// ChainClient — подмножество ethclient.Client, нужное для расчетов.
type ChainClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type EVMConfig struct {
	Name          string
	ChainID       *big.Int
	Contract      common.Address
	Confirmations uint64
}

// EVMBackend отправляет execute() в контракт-хранитель от имени ключа-релейера.
type EVMBackend struct {
	cfg     EVMConfig
	client  ChainClient
	relayer *ecdsa.PrivateKey
	from    common.Address
	abi     abi.ABI
	logger  *zap.Logger

	mu sync.Mutex // Последовательная выдача nonce релейера

	sentMu  sync.Mutex
	sent    map[string]common.Hash // ID транзакции → хэш подписанной отправки
	started time.Time
}

func NewEVMBackend(cfg EVMConfig, client ChainClient, relayer *ecdsa.PrivateKey, logger *zap.Logger) (*EVMBackend, error) {
	parsed, err := abi.JSON(strings.NewReader(guardContractABI))
	if err != nil {
		return nil, fmt.Errorf("parse guard abi: %w", err)
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	return &EVMBackend{
		cfg:     cfg,
		client:  client,
		relayer: relayer,
		from:    crypto.PubkeyToAddress(relayer.PublicKey),
		abi:     parsed,
		logger:  logger.Named("evm").With(zap.String("endpoint", cfg.Name)),
		sent:    make(map[string]common.Hash),
		started: time.Now(),
	}, nil
}

func (b *EVMBackend) Name() string { return b.cfg.Name }

func (b *EVMBackend) rejected(err error) error {
	return &domain.SettlementError{Kind: domain.SettlementRejected, Endpoint: b.cfg.Name, Err: err}
}

// Calldata упаковывает вызов execute для поручения.
func (b *EVMBackend) Calldata(o Order) ([]byte, error) {
	if !common.IsHexAddress(o.Destination) {
		return nil, b.rejected(fmt.Errorf("destination %q is not an address", o.Destination))
	}
	if len(o.Digest) != 32 {
		return nil, b.rejected(fmt.Errorf("digest must be 32 bytes, got %d", len(o.Digest)))
	}
	var digest [32]byte
	copy(digest[:], o.Digest)
	return b.abi.Pack("execute", common.HexToAddress(o.Destination), big.NewInt(o.Amount), digest, o.Signatures)
}

func (b *EVMBackend) Submit(ctx context.Context, o Order) (Receipt, error) {
	data, err := b.Calldata(o)
	if err != nil {
		return Receipt{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	nonce, err := b.client.PendingNonceAt(ctx, b.from)
	if err != nil {
		return Receipt{}, fmt.Errorf("pending nonce: %w", err)
	}
	tip, err := b.client.SuggestGasTipCap(ctx)
	if err != nil {
		return Receipt{}, fmt.Errorf("gas tip: %w", err)
	}
	head, err := b.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return Receipt{}, fmt.Errorf("latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	to := b.cfg.Contract
	gas, err := b.client.EstimateGas(ctx, ethereum.CallMsg{From: b.from, To: &to, Data: data})
	if err != nil {
		// Откат при оценке — контракт отверг поручение, другой узел ответит так же
		if strings.Contains(err.Error(), "execution reverted") {
			return Receipt{}, b.rejected(err)
		}
		return Receipt{}, fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   b.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas + gas/5,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(b.cfg.ChainID), b.relayer)
	if err != nil {
		return Receipt{}, fmt.Errorf("sign relayer tx: %w", err)
	}

	// Хэш известен до отправки: при обрыве ответа Lookup найдет транзакцию
	b.remember(o.TxID, signed.Hash())
	if err := b.client.SendTransaction(ctx, signed); err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "already known"):
			// Узел уже видел эту транзакцию — повтор отправки безопасен
		case strings.Contains(msg, "insufficient funds"):
			b.forget(o.TxID)
			return Receipt{}, &domain.SettlementError{Kind: domain.SettlementInsufficientFunds, Endpoint: b.cfg.Name, Err: err}
		default:
			return Receipt{}, fmt.Errorf("send transaction: %w", err)
		}
	}

	b.logger.Info("settlement broadcast",
		zap.String("tx_id", o.TxID),
		zap.String("hash", signed.Hash().Hex()),
		zap.Uint64("nonce", nonce))
	return Receipt{Ref: signed.Hash().Hex(), Endpoint: b.cfg.Name}, nil
}

func (b *EVMBackend) remember(txID string, h common.Hash) {
	b.sentMu.Lock()
	b.sent[txID] = h
	b.sentMu.Unlock()
}

func (b *EVMBackend) forget(txID string) {
	b.sentMu.Lock()
	delete(b.sent, txID)
	b.sentMu.Unlock()
}

// Lookup возвращает хэш последней подписанной отправки. Отправка до
// перезапуска процесса не видна: такой исход остается неразрешенным.
func (b *EVMBackend) Lookup(_ context.Context, txID string, since time.Time) (Receipt, error) {
	b.sentMu.Lock()
	h, ok := b.sent[txID]
	b.sentMu.Unlock()
	if ok {
		return Receipt{Ref: h.Hex(), Endpoint: b.cfg.Name}, nil
	}
	if since.Before(b.started) {
		return Receipt{}, fmt.Errorf("no broadcast record for %s: endpoint %s restarted at %s", txID, b.cfg.Name, b.started.Format(time.RFC3339))
	}
	return Receipt{}, fmt.Errorf("%w: broadcast for %s on %s", domain.ErrNotFound, txID, b.cfg.Name)
}

// Status — финальность по квитанции и числу подтверждений.
func (b *EVMBackend) Status(ctx context.Context, ref string) (Finality, error) {
	rcpt, err := b.client.TransactionReceipt(ctx, common.HexToHash(ref))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return FinalityPending, nil
		}
		return "", fmt.Errorf("receipt %s: %w", ref, err)
	}
	if rcpt.Status == types.ReceiptStatusFailed {
		return FinalityFailed, nil
	}
	head, err := b.client.BlockNumber(ctx)
	if err != nil {
		return "", fmt.Errorf("block number: %w", err)
	}
	if rcpt.BlockNumber == nil || head+1 < rcpt.BlockNumber.Uint64()+b.cfg.Confirmations {
		return FinalityPending, nil
	}
	return FinalitySettled, nil
}
