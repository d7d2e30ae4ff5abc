package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// EndpointSpec — описание одного узла в configs/settlement.yaml.
type EndpointSpec struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"` // evm | card

	// evm
	RPCURL        string `yaml:"rpc_url"`
	ChainID       int64  `yaml:"chain_id"`
	Contract      string `yaml:"contract"`
	Confirmations uint64 `yaml:"confirmations"`

	// card
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`

	Timeout time.Duration `yaml:"timeout"`
}

// EndpointsFile — узлы по рельсам в порядке предпочтения.
type EndpointsFile struct {
	Onchain []EndpointSpec `yaml:"onchain"`
	Card    []EndpointSpec `yaml:"card"`
}

func LoadEndpoints(path string) (*EndpointsFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read endpoints: %w", err)
	}
	return ParseEndpoints(raw)
}

func ParseEndpoints(raw []byte) (*EndpointsFile, error) {
	var f EndpointsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse endpoints: %w", err)
	}
	seen := make(map[string]bool)
	check := func(rail domain.Rail, specs []EndpointSpec, kind string) error {
		for i, s := range specs {
			if s.Name == "" {
				return fmt.Errorf("%s endpoint #%d has no name", rail, i)
			}
			if seen[s.Name] {
				return fmt.Errorf("duplicate endpoint name %s", s.Name)
			}
			seen[s.Name] = true
			if s.Kind != kind {
				return fmt.Errorf("endpoint %s: kind %q on rail %s", s.Name, s.Kind, rail)
			}
			switch kind {
			case "evm":
				if s.RPCURL == "" || s.ChainID <= 0 || !common.IsHexAddress(s.Contract) {
					return fmt.Errorf("endpoint %s: rpc_url, chain_id and contract are required", s.Name)
				}
			case "card":
				if s.BaseURL == "" {
					return fmt.Errorf("endpoint %s: base_url is required", s.Name)
				}
			}
		}
		return nil
	}
	if err := check(domain.RailOnchain, f.Onchain, "evm"); err != nil {
		return nil, err
	}
	if err := check(domain.RailCard, f.Card, "card"); err != nil {
		return nil, err
	}
	return &f, nil
}

// Backends создает клиентов узлов. Ключ релейера нужен только при наличии EVM-узлов.
func (f *EndpointsFile) Backends(ctx context.Context, relayer *ecdsa.PrivateKey, logger *zap.Logger) (onchain, card []Backend, err error) {
	for _, s := range f.Onchain {
		if relayer == nil {
			return nil, nil, errors.New("relayer key is required for onchain endpoints")
		}
		client, err := ethclient.DialContext(ctx, s.RPCURL)
		if err != nil {
			return nil, nil, fmt.Errorf("dial %s: %w", s.Name, err)
		}
		b, err := NewEVMBackend(EVMConfig{
			Name:          s.Name,
			ChainID:       big.NewInt(s.ChainID),
			Contract:      common.HexToAddress(s.Contract),
			Confirmations: s.Confirmations,
		}, client, relayer, logger)
		if err != nil {
			return nil, nil, err
		}
		onchain = append(onchain, b)
	}
	for _, s := range f.Card {
		timeout := s.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		card = append(card, NewCardBackend(CardConfig{
			Name:    s.Name,
			BaseURL: s.BaseURL,
			APIKey:  os.Getenv(s.APIKeyEnv),
		}, &http.Client{Timeout: timeout}))
	}
	return onchain, card, nil
}
