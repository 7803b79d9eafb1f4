// Package pow implements the HMAC-signed, stateless-for-issuance
// proof-of-work challenge the press endpoint gates on.
package pow

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultDifficulty is 4 leading hex zeros, ~65k expected hashes — tuned
// for under 100ms on a mobile device.
const DefaultDifficulty = 4

// Challenge is the value returned to the client. Its integrity rides
// entirely on Signature; the server keeps no per-challenge state.
type Challenge struct {
	ChallengeID string `json:"challenge_id"`
	Difficulty  int    `json:"difficulty"`
	ExpiresAt   int64  `json:"expires_at"`
	Signature   string `json:"signature"`
}

// Solution is a challenge echoed back with the client's nonce.
type Solution struct {
	ChallengeID string `json:"challenge_id"`
	Difficulty  int    `json:"difficulty"`
	ExpiresAt   int64  `json:"expires_at"`
	Signature   string `json:"signature"`
	Nonce       string `json:"nonce"`
}

// UsedSetStore is the shared anti-abuse backing store. Failures from it
// must be fail-open (logged, not fatal): this is anti-abuse, not
// authorization, per §4.1.
type UsedSetStore interface {
	// IsUsed reports whether challengeID has already been consumed.
	IsUsed(ctx context.Context, challengeID string) (bool, error)
	// MarkUsed records challengeID as consumed, expiring after ttl.
	MarkUsed(ctx context.Context, challengeID string, ttl time.Duration) error
}

// Oracle issues and verifies challenges under a process-local HMAC secret.
type Oracle struct {
	secret     []byte
	difficulty int
	ttl        time.Duration
	store      UsedSetStore
	now        func() time.Time
	onStoreErr func(err error)
}

// Config configures an Oracle.
type Config struct {
	Secret     []byte
	Difficulty int
	TTL        time.Duration
}

// NewOracle builds an Oracle backed by store. onStoreErr, if non-nil, is
// called (for logging) whenever the used-set backing store fails; the
// check itself still fails open.
func NewOracle(cfg Config, store UsedSetStore, onStoreErr func(err error)) *Oracle {
	difficulty := cfg.Difficulty
	if difficulty <= 0 {
		difficulty = DefaultDifficulty
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Oracle{
		secret:     cfg.Secret,
		difficulty: difficulty,
		ttl:        ttl,
		store:      store,
		now:        time.Now,
		onStoreErr: onStoreErr,
	}
}

// Issue mints a fresh, stateless challenge.
func (o *Oracle) Issue() (Challenge, error) {
	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return Challenge{}, fmt.Errorf("generate challenge id: %w", err)
	}
	challengeID := hex.EncodeToString(idBytes)
	expiresAt := o.now().Add(o.ttl).Unix()

	return Challenge{
		ChallengeID: challengeID,
		Difficulty:  o.difficulty,
		ExpiresAt:   expiresAt,
		Signature:   o.sign(challengeID, o.difficulty, expiresAt),
	}, nil
}

func (o *Oracle) sign(challengeID string, difficulty int, expiresAt int64) string {
	mac := hmac.New(sha256.New, o.secret)
	mac.Write([]byte(challengeID))
	mac.Write([]byte(":"))
	mac.Write([]byte(strconv.Itoa(difficulty)))
	mac.Write([]byte(":"))
	mac.Write([]byte(strconv.FormatInt(expiresAt, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a Solution in the exact order §4.1 specifies: signature,
// expiry, used-set membership, hash difficulty, then records the
// challenge as used.
func (o *Oracle) Verify(ctx context.Context, sol Solution) error {
	expected := o.sign(sol.ChallengeID, sol.Difficulty, sol.ExpiresAt)
	if !hmac.Equal([]byte(expected), []byte(sol.Signature)) {
		return ErrInvalidSignature
	}

	if o.now().Unix() > sol.ExpiresAt {
		return ErrExpired
	}

	used, err := o.store.IsUsed(ctx, sol.ChallengeID)
	if err != nil {
		o.reportStoreErr(err)
	} else if used {
		return ErrAlreadyUsed
	}

	digest := sha256.Sum256([]byte(sol.ChallengeID + ":" + sol.Nonce))
	if !hasLeadingHexZeros(digest[:], sol.Difficulty) {
		return ErrInvalidSolution
	}

	remaining := time.Until(time.Unix(sol.ExpiresAt, 0))
	if err := o.store.MarkUsed(ctx, sol.ChallengeID, remaining+10*time.Second); err != nil {
		o.reportStoreErr(err)
	}

	return nil
}

func (o *Oracle) reportStoreErr(err error) {
	if o.onStoreErr != nil {
		o.onStoreErr(err)
	}
}

func hasLeadingHexZeros(digest []byte, zeros int) bool {
	hexStr := hex.EncodeToString(digest)
	if zeros > len(hexStr) {
		return false
	}
	return strings.Count(hexStr[:zeros], "0") == zeros
}

// Sentinel verification errors, mapped by the HTTP layer onto the
// POW_6xxx error taxonomy.
var (
	ErrInvalidSignature = fmt.Errorf("proof-of-work signature invalid")
	ErrExpired          = fmt.Errorf("proof-of-work challenge expired")
	ErrAlreadyUsed       = fmt.Errorf("proof-of-work challenge already used")
	ErrInvalidSolution  = fmt.Errorf("proof-of-work solution does not meet difficulty")
)
