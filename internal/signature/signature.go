// Package signature проверяет подписи сообщений, выполненные кошельком плательщика.
package signature

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mmeshcher/channel-hub/internal/model"
)

// ErrInvalidSignature возвращается, если подпись не принадлежит указанному адресу.
var ErrInvalidSignature = errors.New("invalid signature")

// AuthorizationMessage возвращает каноническое сообщение, которое подписывает плательщик.
func AuthorizationMessage(payerID, payeeID string, amount model.Amount) string {
	return fmt.Sprintf("channelhub payment authorization\npayer: %s\npayee: %s\namount: %s",
		strings.ToLower(payerID), strings.ToLower(payeeID), amount.String())
}

// Verifier проверяет персональные подписи (EIP-191) против адреса.
type Verifier struct{}

// NewVerifier создаёт проверяющего подписи.
func NewVerifier() *Verifier {
	return &Verifier{}
}

// Verify проверяет, что sigHex является подписью message ключом адреса address.
func (v *Verifier) Verify(address string, message []byte, sigHex string) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("%w: malformed address %q", ErrInvalidSignature, address)
	}

	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return fmt.Errorf("%w: decode: %v", ErrInvalidSignature, err)
	}
	if len(sig) != crypto.SignatureLength {
		return fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}

	sig = append([]byte(nil), sig...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash(message), sig)
	if err != nil {
		return fmt.Errorf("%w: recover: %v", ErrInvalidSignature, err)
	}

	if crypto.PubkeyToAddress(*pub) != common.HexToAddress(address) {
		return fmt.Errorf("%w: signer mismatch", ErrInvalidSignature)
	}
	return nil
}

// Sign подписывает message приватным ключом в hex-формате; используется утилитами и тестами.
func Sign(privateKeyHex string, message []byte) (string, string, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return "", "", fmt.Errorf("parse private key: %w", err)
	}

	sig, err := crypto.Sign(accounts.TextHash(message), key)
	if err != nil {
		return "", "", fmt.Errorf("sign: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27

	return hexutil.Encode(sig), crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

// Address возвращает адрес, соответствующий приватному ключу.
func Address(privateKeyHex string) (string, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}
