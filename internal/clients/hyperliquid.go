package clients

import (
	"context"
	"crypto/ecdsa"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	hyperliquid "github.com/sonirico/go-hyperliquid"
)

// HyperliquidMainnetURL is the public Hyperliquid API.
const HyperliquidMainnetURL = "https://api.hyperliquid.xyz"

// HyperliquidClient is an exchange client signing with one wallet key.
type HyperliquidClient struct {
	exchange    *hyperliquid.Exchange
	accountAddr string
}

// NewHyperliquidClient loads a hex private key, with or without the 0x prefix,
// and derives the account address from it.
func NewHyperliquidClient(privateKeyHex, baseURL string) (*HyperliquidClient, error) {
	privateKey, addr, err := loadWalletKey(privateKeyHex)
	if err != nil {
		return nil, err
	}

	// info and spot meta are fetched lazily by the SDK
	ex := hyperliquid.NewExchange(context.Background(), privateKey, baseURL, nil, "", addr, nil)
	return &HyperliquidClient{exchange: ex, accountAddr: addr}, nil
}

func (c *HyperliquidClient) Exchange() *hyperliquid.Exchange { return c.exchange }
func (c *HyperliquidClient) AccountAddress() string          { return c.accountAddr }

func loadWalletKey(privateKeyHex string) (*ecdsa.PrivateKey, string, error) {
	key := strings.TrimSpace(privateKeyHex)
	key = strings.TrimPrefix(strings.TrimPrefix(key, "0x"), "0X")

	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, "", errors.Wrap(err, "invalid hyperliquid private key")
	}
	pub, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, "", errors.New("error casting public key to ECDSA")
	}
	return privateKey, crypto.PubkeyToAddress(*pub).Hex(), nil
}
