package payment

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"verus/internal/domain"
)

func settlementError(reason string, err error) error {
	return domain.SettlementError{Reason: reason, Err: err}
}

// Facilitator mediates verification and settlement for all configured
// networks. Verify never moves funds; Settle records the transfer exactly
// once, keyed by the payload nonce.
type Facilitator struct {
	DB     *sql.DB
	Table  *Table
	Logger *slog.Logger
	Now    func() time.Time
}

func (f *Facilitator) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func (f *Facilitator) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

// Verify checks payload validity and conformance to the requirement.
// Idempotent: no state is touched.
func (f *Facilitator) Verify(ctx context.Context, p Payload, req Requirement) (VerifyResponse, error) {
	signer, err := f.Table.Signer(req.Network)
	if err != nil {
		return VerifyResponse{}, err
	}
	verdict, _ := signer.Verify(p, req)
	if !verdict.Valid {
		f.logger().Debug("payment rejected", "network", req.Network, "reason", verdict.Reason)
	}
	return verdict, nil
}

// Settle performs the transfer for a verified payload. A nonce that has
// already settled fails with SettlementError rather than transferring twice;
// an INSERT against the settlements primary key is the guard.
func (f *Facilitator) Settle(ctx context.Context, p Payload, req Requirement) (SettleResponse, error) {
	signer, err := f.Table.Signer(req.Network)
	if err != nil {
		return SettleResponse{}, err
	}
	verdict, nonce := signer.Verify(p, req)
	if !verdict.Valid {
		return SettleResponse{Success: false, Error: verdict.Reason, Network: req.Network}, nil
	}
	now := f.now().UTC()
	txHash := settlementTxHash(nonce, req.Network, now)
	_, err = f.DB.ExecContext(ctx,
		`INSERT INTO settlements(nonce,network,payer,pay_to,asset,amount,tx_hash,settled_at) VALUES (?,?,?,?,?,?,?,?)`,
		nonce, req.Network, verdict.Payer, req.PayTo, req.Asset, req.Amount, txHash, now.Format(time.RFC3339))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
			strings.Contains(err.Error(), "constraint failed") {
			return SettleResponse{}, settlementError("payment already settled", nil)
		}
		return SettleResponse{}, settlementError("record settlement", err)
	}
	f.logger().Info("payment settled", "network", req.Network, "payer", verdict.Payer, "tx", txHash)
	return SettleResponse{
		Success: true,
		TxHash:  txHash,
		Network: req.Network,
		Payer:   verdict.Payer,
	}, nil
}

// Supported lists the network/scheme kinds this facilitator can settle.
func (f *Facilitator) Supported() []SupportedKind {
	return f.Table.Supported()
}

func settlementTxHash(nonce, network string, ts time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", nonce, network, ts.UnixNano())))
	return "0x" + hex.EncodeToString(sum[:])
}
