package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pulsebutton/backend/infrastructure/ratelimit"
	"github.com/pulsebutton/backend/pkg/version"
)

type challengeResponse struct {
	ChallengeID string `json:"challenge_id"`
	Difficulty  int    `json:"difficulty"`
	ExpiresAt   int64  `json:"expires_at"`
	Signature   string `json:"signature"`
}

type pressRequest struct {
	ChallengeID string `json:"challenge_id"`
	Difficulty  int    `json:"difficulty"`
	ExpiresAt   int64  `json:"expires_at"`
	Signature   string `json:"signature"`
	Nonce       string `json:"nonce"`
}

func runLoadtest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	target := fs.String("target", "http://localhost:8080", "base URL of a running buttonapi")
	rate := fs.Float64("rate", 5, "presses per second to drive")
	duration := fs.Duration("duration", 10*time.Second, "how long to run")
	bypass := fs.Bool("bypass", true, "assume the target has POW_BYPASS=true and skip solving")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client := ratelimit.NewRateLimitedClient(&http.Client{Timeout: 10 * time.Second}, ratelimit.RateLimitConfig{
		RequestsPerSecond: *rate,
		Burst:             int(*rate) + 1,
	})

	runCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	interval := time.Second
	if *rate > 0 {
		interval = time.Duration(float64(time.Second) / *rate)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var attempted, accepted, failed int64
	var wg sync.WaitGroup

loop:
	for {
		select {
		case <-runCtx.Done():
			break loop
		case <-ticker.C:
			wg.Add(1)
			go func() {
				defer wg.Done()
				atomic.AddInt64(&attempted, 1)
				if pressOnce(runCtx, client, *target, *bypass) {
					atomic.AddInt64(&accepted, 1)
				} else {
					atomic.AddInt64(&failed, 1)
				}
			}()
		}
	}

	wg.Wait()
	fmt.Fprintf(stdout, "attempted=%d accepted=%d failed=%d\n", attempted, accepted, failed)
	return nil
}

// pressOnce drives one full challenge -> (solve) -> press round trip.
func pressOnce(ctx context.Context, client *ratelimit.RateLimitedClient, target string, bypass bool) bool {
	challengeReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target+"/v1/challenge", nil)
	if err != nil {
		return false
	}
	challengeReq.Header.Set("User-Agent", version.UserAgent())
	resp, err := client.Do(challengeReq)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var challenge challengeResponse
	if err := json.NewDecoder(resp.Body).Decode(&challenge); err != nil {
		return false
	}

	nonce := ""
	if !bypass {
		nonce = solve(challenge.ChallengeID, challenge.Difficulty)
	}

	body, err := json.Marshal(pressRequest{
		ChallengeID: challenge.ChallengeID,
		Difficulty:  challenge.Difficulty,
		ExpiresAt:   challenge.ExpiresAt,
		Signature:   challenge.Signature,
		Nonce:       nonce,
	})
	if err != nil {
		return false
	}

	pressReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target+"/v1/events/press", bytes.NewReader(body))
	if err != nil {
		return false
	}
	pressReq.Header.Set("Content-Type", "application/json")
	pressReq.Header.Set("User-Agent", version.UserAgent())

	pressResp, err := client.Do(pressReq)
	if err != nil {
		return false
	}
	defer pressResp.Body.Close()
	return pressResp.StatusCode == http.StatusAccepted
}

// solve brute-forces a nonce meeting the challenge's leading-hex-zero
// difficulty, mirroring the client-side work internal/pow.Oracle.Verify
// expects — this CLI has no special access to the server, only the
// public challenge/solution protocol.
func solve(challengeID string, difficulty int) string {
	for i := 0; ; i++ {
		nonce := strconv.Itoa(i)
		digest := sha256.Sum256([]byte(challengeID + ":" + nonce))
		if leadingHexZeros(digest[:]) >= difficulty {
			return nonce
		}
	}
}

func leadingHexZeros(digest []byte) int {
	hexStr := hex.EncodeToString(digest)
	n := 0
	for _, c := range hexStr {
		if c != '0' {
			break
		}
		n++
	}
	return n
}
