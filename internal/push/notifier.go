package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/chatsync/internal/logger"
)

// ErrInvalidSubscription возвращается Subscribe для подписки без endpoint или ключей.
var ErrInvalidSubscription = errors.New("invalid push subscription")

// Subscription — подписка из браузера (PushSubscription.toJSON()).
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// Payload — то, что получает service worker.
type Payload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Notifier рассылает Web Push всем подпискам локального UI.
// Подписки, на которые push-сервис ответил 404/410, удаляются.
type Notifier struct {
	opts *webpush.Options

	mu   sync.RWMutex
	subs map[string]Subscription
}

// NewNotifier создаёт рассылку. keys == nil — уведомления отключены (Notify ничего не делает).
func NewNotifier(keys *VAPIDKeys, subscriber string) *Notifier {
	n := &Notifier{subs: make(map[string]Subscription)}
	if keys != nil && keys.PublicKey != "" && keys.PrivateKey != "" {
		n.opts = &webpush.Options{
			Subscriber:      subscriber,
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             30,
		}
	}
	return n
}

// Enabled сообщает, настроены ли VAPID-ключи.
func (n *Notifier) Enabled() bool { return n != nil && n.opts != nil }

// PublicKey — VAPID public key для pushManager.subscribe в браузере.
func (n *Notifier) PublicKey() string {
	if !n.Enabled() {
		return ""
	}
	return n.opts.VAPIDPublicKey
}

func (n *Notifier) Subscribe(sub Subscription) error {
	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return ErrInvalidSubscription
	}
	n.mu.Lock()
	n.subs[sub.Endpoint] = sub
	n.mu.Unlock()
	return nil
}

func (n *Notifier) Unsubscribe(endpoint string) {
	n.mu.Lock()
	delete(n.subs, endpoint)
	n.mu.Unlock()
}

func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}

// Notify отправляет уведомление на все подписки и возвращает число успешных доставок.
func (n *Notifier) Notify(ctx context.Context, p Payload) int {
	if !n.Enabled() {
		return 0
	}
	body, err := json.Marshal(p)
	if err != nil {
		logger.Errorf("push marshal: %v", err)
		return 0
	}
	n.mu.RLock()
	subs := make([]Subscription, 0, len(n.subs))
	for _, s := range n.subs {
		subs = append(subs, s)
	}
	n.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	sent := 0
	for i := range subs {
		sub := &subs[i]
		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}
		resp, err := webpush.SendNotificationWithContext(ctx, body, wpSub, n.opts)
		if err != nil {
			logger.Errorf("push send %s: %v", sub.Endpoint[:min(50, len(sub.Endpoint))], err)
			continue
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
			n.Unsubscribe(sub.Endpoint)
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			sent++
		default:
			logger.Errorf("push send %s: status %d", sub.Endpoint[:min(50, len(sub.Endpoint))], resp.StatusCode)
		}
	}
	return sent
}
