package engagement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

type blockingSender struct {
	release chan struct{}
	calls   atomic.Int32
	err     error
}

func (s *blockingSender) Send(ctx context.Context, ev Event) error {
	s.calls.Add(1)
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.err
}

func TestFireDoesNotBlock(t *testing.T) {
	sender := &blockingSender{release: make(chan struct{})}
	b := NewBeacon(sender, nil, time.Minute)

	done := make(chan struct{})
	go func() {
		b.Fire(NewEvent("st-1", "s1", TypeLike, true))
		b.Fire(NewEvent("st-1", "s1", TypeRating, 4))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Fire blocked on a hung sender")
	}
	close(sender.release)
	b.Wait()
	if got := sender.calls.Load(); got != 2 {
		t.Fatalf("sends = %d, want 2", got)
	}
}

func TestFireSwallowsErrors(t *testing.T) {
	sender := &blockingSender{release: make(chan struct{}), err: errors.New("collector down")}
	close(sender.release)
	b := NewBeacon(sender, nil, time.Second)
	b.Fire(NewEvent("st-1", "s1", TypeBookmark, []int{5}))
	b.Wait()
	if got := sender.calls.Load(); got != 1 {
		t.Fatalf("sends = %d, want 1", got)
	}
}

func TestFireTimesOutHungSender(t *testing.T) {
	sender := &blockingSender{release: make(chan struct{})}
	b := NewBeacon(sender, nil, 20*time.Millisecond)
	b.Fire(NewEvent("st-1", "s1", TypeLike, false))

	waited := make(chan struct{})
	go func() {
		b.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatalf("hung send was never abandoned")
	}
}

func TestHTTPSenderPostsSignedEvent(t *testing.T) {
	const secret = "collector-shared-secret"

	var (
		mu     sync.Mutex
		got    Event
		claims BeaconClaims
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(r.Body)
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		mu.Lock()
		defer mu.Unlock()
		_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) { return []byte(secret), nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithAudience(TokenAudience),
			jwt.WithIssuer("reader"),
		)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		sum := sha256.Sum256(body)
		if claims.BodyHash != hex.EncodeToString(sum[:]) {
			http.Error(w, "body hash mismatch", http.StatusUnauthorized)
			return
		}
		if err := json.Unmarshal(body, &got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	signer, err := NewSigner(secret, "reader", 0)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	sender := NewHTTPSender(srv.URL, srv.Client(), signer)
	ev := NewEvent("st-9", "s1", TypeRating, 4)
	if err := sender.Send(context.Background(), ev); err != nil {
		t.Fatalf("send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if claims.Subject != "st-9" || claims.StoryID != "s1" || claims.Type != TypeRating || claims.ID == "" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if got.UserID != "st-9" || got.StoryID != "s1" || got.Type != TypeRating || got.Timestamp != ev.Timestamp {
		t.Fatalf("unexpected event: %+v", got)
	}
	if score, ok := got.Value.(float64); !ok || score != 4 {
		t.Fatalf("value = %#v, want 4", got.Value)
	}
}

func TestNewSignerValidates(t *testing.T) {
	if _, err := NewSigner("short", "reader", 0); err == nil {
		t.Fatalf("expected short secret error")
	}
	if _, err := NewSigner("collector-shared-secret", " ", 0); err == nil {
		t.Fatalf("expected missing issuer error")
	}
}

func TestHTTPSenderReportsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := NewHTTPSender(srv.URL, nil, nil).Send(context.Background(), NewEvent("u", "s", TypeLike, true)); err == nil {
		t.Fatalf("expected error for 502")
	}
}

func TestRedisStreamSenderAppendsEvent(t *testing.T) {
	mr := miniredis.RunT(t)
	sender, err := NewRedisStreamSender(RedisStreamConfig{Addr: mr.Addr(), Stream: "reader:engagement"})
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	defer sender.Close()

	if err := sender.Send(context.Background(), NewEvent("st-1", "s1", TypeBookmark, []int{5, 9})); err != nil {
		t.Fatalf("send: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	msgs, err := client.XRange(context.Background(), "reader:engagement", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("stream length = %d, want 1", len(msgs))
	}
	v := msgs[0].Values
	if v["story_id"] != "s1" || v["type"] != "bookmark" || v["value"] != "[5,9]" {
		t.Fatalf("unexpected entry: %v", v)
	}
}

func TestRedisStreamSenderRequiresAddr(t *testing.T) {
	if _, err := NewRedisStreamSender(RedisStreamConfig{}); err == nil {
		t.Fatalf("expected missing addr to fail")
	}
}

type recordingPublisher struct {
	exchange, key string
	msg           amqp.Publishing
}

func (p *recordingPublisher) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	p.exchange, p.key, p.msg = exchange, key, msg
	return nil
}

func TestAMQPSenderRoutesByType(t *testing.T) {
	pub := &recordingPublisher{}
	sender := &AMQPSender{ch: pub, exchange: "engagement"}
	if err := sender.Send(context.Background(), NewEvent("st-1", "s1", TypeLike, true)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if pub.exchange != "engagement" || pub.key != "engagement.like" {
		t.Fatalf("published to %s/%s", pub.exchange, pub.key)
	}
	var ev Event
	if err := json.Unmarshal(pub.msg.Body, &ev); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if ev.Value != true || pub.msg.ContentType != "application/json" {
		t.Fatalf("unexpected message: %+v", pub.msg)
	}
	if err := sender.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

type recordingJetStream struct {
	msgs []*nats.Msg
	err  error
}

func (j *recordingJetStream) PublishMsg(m *nats.Msg, _ ...nats.PubOpt) (*nats.PubAck, error) {
	if j.err != nil {
		return nil, j.err
	}
	j.msgs = append(j.msgs, m)
	return &nats.PubAck{Stream: natsStream, Sequence: uint64(len(j.msgs))}, nil
}

func TestNATSSenderPublishesWithDedupID(t *testing.T) {
	js := &recordingJetStream{}
	sender := &NATSSender{js: js, prefix: "engagement"}
	ev := NewEvent("st-1", "s1", TypeRating, 4)
	if err := sender.Send(context.Background(), ev); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(js.msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(js.msgs))
	}
	msg := js.msgs[0]
	if msg.Subject != "engagement.rating" {
		t.Fatalf("subject = %q, want engagement.rating", msg.Subject)
	}
	if msg.Header.Get(nats.MsgIdHdr) == "" {
		t.Fatalf("missing dedup id header")
	}
	var got Event
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.StoryID != "s1" || got.Value != float64(4) {
		t.Fatalf("event = %+v", got)
	}
	if err := sender.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestNATSSenderWrapsPublishError(t *testing.T) {
	sender := &NATSSender{js: &recordingJetStream{err: nats.ErrNoResponders}, prefix: "engagement"}
	err := sender.Send(context.Background(), NewEvent("st-1", "s1", TypeLike, true))
	if !errors.Is(err, nats.ErrNoResponders) {
		t.Fatalf("err = %v, want ErrNoResponders", err)
	}
}
