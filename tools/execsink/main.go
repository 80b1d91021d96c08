// execsink is a standalone receiver for exercising the webhook executor
// locally. It verifies the HMAC signature on each delivery, remembers the
// last deliveries and exposes counters over /stats.
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

type delivery struct {
	Timestamp   string `json:"timestamp"`
	AttemptID   string `json:"attempt_id"`
	OperationID string `json:"operation_id"`
	Verified    bool   `json:"verified"`
	Body        string `json:"body"`
}

type stats struct {
	Count          int64      `json:"count"`
	VerifiedCount  int64      `json:"verified_count"`
	BadSignatures  int64      `json:"bad_signatures"`
	LastDeliveries []delivery `json:"last_deliveries"`
	Since          string     `json:"since"`
}

var (
	mu             sync.Mutex
	count          int64
	verifiedCount  int64
	badSignatures  int64
	lastDeliveries []delivery
	since          time.Time
	maxStored      = 50

	secret string
)

func main() {
	since = time.Now().UTC()
	secret = os.Getenv("SECRET")
	if secret == "" {
		log.Println("execsink: SECRET not set; signatures are not verified")
	}

	addr := ":8081"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}

	http.HandleFunc("/run", runHandler)
	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		count = 0
		verifiedCount = 0
		badSignatures = 0
		lastDeliveries = nil
		since = time.Now().UTC()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	log.Printf("execsink listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func runHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	verified := false
	if secret != "" {
		sig := r.Header.Get("X-OpEngine-Signature")
		verified = verifySignature(secret, body, sig)
		if !verified {
			mu.Lock()
			badSignatures++
			mu.Unlock()
			log.Printf("execsink: bad signature attempt=%s", r.Header.Get("X-OpEngine-Attempt-ID"))
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprintln(w, `{"error":"bad signature"}`)
			return
		}
	}

	d := delivery{
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		AttemptID:   r.Header.Get("X-OpEngine-Attempt-ID"),
		OperationID: r.Header.Get("X-OpEngine-Operation-ID"),
		Verified:    verified,
		Body:        string(body),
	}

	mu.Lock()
	count++
	if verified {
		verifiedCount++
	}
	lastDeliveries = append(lastDeliveries, d)
	if len(lastDeliveries) > maxStored {
		lastDeliveries = lastDeliveries[len(lastDeliveries)-maxStored:]
	}
	current := count
	mu.Unlock()

	log.Printf("execsink: delivery #%d operation=%s attempt=%s", current, d.OperationID, d.AttemptID)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"received":%d}`, current)
}

func verifySignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	s := stats{
		Count:          count,
		VerifiedCount:  verifiedCount,
		BadSignatures:  badSignatures,
		LastDeliveries: lastDeliveries,
		Since:          since.Format(time.RFC3339),
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}
