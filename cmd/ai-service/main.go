// ai-service is a stand-in for the real inference backend. It speaks the
// same wire contract (/v1/detect, /v1/embed, shared-secret header) and
// returns deterministic results derived from the image bytes, so the full
// recognition pipeline can run end to end without GPU infrastructure.
package main

import (
	"encoding/json"
	"hash/fnv"
	"log"
	"math"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

var (
	detectTotal int64
	embedTotal  int64
)

type imageRequest struct {
	Image []byte `json:"image"`
}

type box struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

type face struct {
	Box        box     `json:"box"`
	Confidence float64 `json:"confidence"`
}

func main() {
	addr := getEnv("AI_SERVICE_ADDR", ":9090")
	token := getEnv("AI_SERVICE_TOKEN", "dev_ai_secret")

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(requireToken(token))

	r.Post("/v1/detect", handleDetect)
	r.Post("/v1/embed", handleEmbed)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status":       "ok",
			"detect_total": atomic.LoadInt64(&detectTotal),
			"embed_total":  atomic.LoadInt64(&embedTotal),
		})
	})

	log.Printf("[AI Service] Listening on %s", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatalf("[AI Service] Server error: %v", err)
	}
}

func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/healthz" && r.Header.Get("X-Internal-Auth") != token {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func decodeImage(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	var req imageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Image) == 0 {
		http.Error(w, `{"error":"invalid image payload"}`, http.StatusBadRequest)
		return nil, false
	}
	return req.Image, true
}

// handleDetect reports 0-2 faces. The count and geometry are a pure
// function of the image bytes, so tests get stable results.
func handleDetect(w http.ResponseWriter, r *http.Request) {
	img, ok := decodeImage(w, r)
	if !ok {
		return
	}
	atomic.AddInt64(&detectTotal, 1)

	seed := hashBytes(img)
	count := int(seed % 3)
	faces := make([]face, 0, count)
	for i := 0; i < count; i++ {
		s := seed + uint64(i)*2654435761
		faces = append(faces, face{
			Box: box{
				X: int(s % 400),
				Y: int((s >> 8) % 300),
				W: 80 + int((s>>16)%120),
				H: 80 + int((s>>24)%120),
			},
			Confidence: 0.55 + float64((s>>32)%45)/100,
		})
	}
	json.NewEncoder(w).Encode(map[string]any{"faces": faces})
}

// handleEmbed returns a unit-norm 128-d vector seeded by the crop bytes.
// Identical crops embed identically, which is what the matcher needs.
func handleEmbed(w http.ResponseWriter, r *http.Request) {
	img, ok := decodeImage(w, r)
	if !ok {
		return
	}
	atomic.AddInt64(&embedTotal, 1)

	seed := hashBytes(img)
	vec := make([]float64, 128)
	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float64(int64(seed>>16)%1000) / 1000
		norm += vec[i] * vec[i]
	}
	norm = math.Sqrt(norm)

	out := make([]float32, 128)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	json.NewEncoder(w).Encode(map[string]any{"embedding": out})
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	h.Write(b)
	return h.Sum64()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
