package payment

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"verus/internal/config"
	"verus/internal/domain"
)

// Signer constructs payment payloads for a requirement and verifies payloads
// it is asked to judge. Signature algorithms are opaque behind this interface.
type Signer interface {
	// Address is the operator address paying (or receiving fees) on this network.
	Address() string
	// Sign mints a payload satisfying the requirement.
	Sign(req Requirement) (Payload, error)
	// Verify checks the payload's signature and its conformance to the
	// requirement. The nonce is returned for settlement bookkeeping.
	Verify(p Payload, req Requirement) (VerifyResponse, string)
}

// transferClaims is the signed body of an exact-scheme payment token.
type transferClaims struct {
	jwt.RegisteredClaims
	Payer   string `json:"payer"`
	PayTo   string `json:"pay_to"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
	Network string `json:"network"`
	Nonce   string `json:"nonce"`
}

// exactSigner implements the exact scheme with an HMAC-signed transfer
// authorization. One instance per configured network.
type exactSigner struct {
	network string
	key     []byte
	address string
	account string
	now     func() time.Time
}

// NewExactSigner builds the exact-scheme signer for one network entry.
func NewExactSigner(network string, cfg config.NetworkConfig) (Signer, error) {
	if cfg.PrivateKey == "" {
		return nil, fmt.Errorf("network %s: missing private key", network)
	}
	return &exactSigner{
		network: network,
		key:     []byte(cfg.PrivateKey),
		address: cfg.Address,
		account: cfg.AccountID,
		now:     time.Now,
	}, nil
}

func (s *exactSigner) Address() string { return s.address }

func (s *exactSigner) Sign(req Requirement) (Payload, error) {
	if req.Network != s.network {
		return Payload{}, domain.UnsupportedNetworkError{Network: req.Network}
	}
	now := s.now()
	claims := transferClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		},
		Payer:   s.address,
		PayTo:   req.PayTo,
		Asset:   req.Asset,
		Amount:  req.Amount,
		Network: req.Network,
		Nonce:   uuid.NewString(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return Payload{}, fmt.Errorf("sign payment token: %w", err)
	}
	return Payload{
		Version: Version,
		Scheme:  SchemeExact,
		Network: req.Network,
		Token:   token,
	}, nil
}

func (s *exactSigner) Verify(p Payload, req Requirement) (VerifyResponse, string) {
	invalid := func(reason string) (VerifyResponse, string) {
		return VerifyResponse{Valid: false, Reason: reason}, ""
	}
	if p.Version != Version {
		return invalid(fmt.Sprintf("unsupported payment version %d", p.Version))
	}
	if p.Scheme != SchemeExact || (req.Scheme != "" && req.Scheme != SchemeExact) {
		return invalid("unsupported scheme")
	}
	if p.Network != req.Network {
		return invalid(fmt.Sprintf("payload network %s does not match requirement %s", p.Network, req.Network))
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	claims := &transferClaims{}
	parsed, err := parser.ParseWithClaims(p.Token, claims, func(t *jwt.Token) (any, error) {
		return s.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return invalid("payment authorization expired")
		}
		return invalid("invalid payment token: " + err.Error())
	}
	if !parsed.Valid {
		return invalid("invalid payment token signature")
	}
	switch {
	case claims.Network != req.Network:
		return invalid("token minted for a different network")
	case claims.Asset != req.Asset:
		return invalid(fmt.Sprintf("asset %s does not satisfy requirement %s", claims.Asset, req.Asset))
	case claims.Amount != req.Amount:
		return invalid(fmt.Sprintf("amount %s does not satisfy requirement %s", claims.Amount, req.Amount))
	case req.PayTo != "" && claims.PayTo != req.PayTo:
		return invalid("token pays the wrong recipient")
	case claims.Nonce == "":
		return invalid("token missing nonce")
	}
	return VerifyResponse{Valid: true, Payer: claims.Payer}, claims.Nonce
}

// Table is the network dispatch table. Adding a network means adding one
// config entry; nothing here branches on network names.
type Table struct {
	signers map[string]Signer
}

// NewTable constructs one signer per configured network.
func NewTable(networks map[string]config.NetworkConfig) (*Table, error) {
	t := &Table{signers: make(map[string]Signer, len(networks))}
	for name, cfg := range networks {
		s, err := NewExactSigner(name, cfg)
		if err != nil {
			return nil, err
		}
		t.signers[name] = s
	}
	return t, nil
}

// Signer selects the signer for a network.
func (t *Table) Signer(network string) (Signer, error) {
	s, ok := t.signers[network]
	if !ok {
		return nil, domain.UnsupportedNetworkError{Network: network}
	}
	return s, nil
}

// Supported lists the configured network/scheme combinations.
func (t *Table) Supported() []SupportedKind {
	kinds := make([]SupportedKind, 0, len(t.signers))
	for name, s := range t.signers {
		kinds = append(kinds, SupportedKind{
			Version: Version,
			Scheme:  SchemeExact,
			Network: name,
			Extra:   map[string]string{"feePayer": s.Address()},
		})
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i].Network < kinds[j].Network })
	return kinds
}
