package rest

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	serverError "github.com/ByeonDoHyeon06/vibehost/internal/error"
)

const (
	limiterIdleTTL      = 10 * time.Minute
	limiterSweepEvery   = time.Minute
	rateLimitedMessage  = "too many requests, slow down"
	rateLimitedKindName = "rate_limited"
)

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// parseCIDRs accepts CIDRs and bare addresses. Invalid entries are
// skipped with a warning.
func parseCIDRs(cidrs []string, logger *slog.Logger) []*net.IPNet {
	if logger == nil {
		logger = slog.Default()
	}
	var nets []*net.IPNet
	for _, c := range cidrs {
		_, ipNet, err := net.ParseCIDR(c)
		if err != nil {
			ip := net.ParseIP(c)
			if ip == nil {
				logger.Warn("skipping invalid trusted proxy", "cidr", c, "error", err)
				continue
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			ipNet = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
		}
		nets = append(nets, ipNet)
	}
	return nets
}

func trusted(ip net.IP, nets []*net.IPNet) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// clientIP returns the address the request came from. X-Real-IP and
// X-Forwarded-For are honored only when the direct peer is a trusted proxy.
func clientIP(r *http.Request, trustedProxies []*net.IPNet) string {
	remoteIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remoteIP = r.RemoteAddr
	}
	peer := net.ParseIP(remoteIP)
	if peer == nil || !trusted(peer, trustedProxies) {
		return remoteIP
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	return remoteIP
}

// rateLimitByIP limits requests per client address with a token bucket.
// A non-positive rps disables limiting. State is per process.
func rateLimitByIP(rps float64, burst int, trustedProxies []*net.IPNet) func(http.Handler) http.Handler {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst < 1 {
		burst = int(math.Ceil(rps))
	}
	retryAfter := time.Duration(math.Ceil(1/rps)) * time.Second

	var mu sync.Mutex
	limiters := make(map[string]*ipLimiter)

	// Lives for the process; the router is built once at startup.
	go func() {
		t := time.NewTicker(limiterSweepEvery)
		defer t.Stop()
		for range t.C {
			mu.Lock()
			for ip, l := range limiters {
				if time.Since(l.lastSeen) > limiterIdleTTL {
					delete(limiters, ip)
				}
			}
			mu.Unlock()
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r, trustedProxies)

			mu.Lock()
			l, ok := limiters[ip]
			if !ok {
				l = &ipLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
				limiters[ip] = l
			}
			l.lastSeen = time.Now()
			mu.Unlock()

			if !l.limiter.Allow() {
				serverError.RespondRetryable(w, http.StatusTooManyRequests, rateLimitedKindName, rateLimitedMessage,
					retryAfter, fmt.Errorf("rate limit exceeded for %s", ip))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
