package transport

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/banshee-data/gatelink/internal/route"
)

// TopicPrefix namespaces the gossipsub topic of every device.
const TopicPrefix = "gatelink/"

// Libp2pOptions configures the libp2p transport.
type Libp2pOptions struct {
	// Topic is usually the host's device id; host and remotes must agree.
	Topic           string
	ListenAddrs     []string
	Bootstrap       []string
	Rendezvous      string
	EnableMDNS      bool
	IdentityKeyFile string
	InboxSize       int
}

// Libp2pTransport publishes frames on a gossipsub topic shared by a host
// and its remotes. Frames a peer publishes are not delivered back to it.
type Libp2pTransport struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	host   host.Host
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	events *pubsub.TopicEventHandler
	codec  FrameCodec
	inbox  chan route.Message

	mu        sync.Mutex
	onConnect func(peer string)
}

func NewLibp2pTransport(parent context.Context, opts Libp2pOptions, codec FrameCodec) (*Libp2pTransport, error) {
	if opts.Topic == "" {
		return nil, fmt.Errorf("libp2p transport needs a topic")
	}
	if codec == nil {
		codec = ProtoCodec{}
	}
	ctx, cancel := context.WithCancel(parent)

	listenAddrs := make([]ma.Multiaddr, 0, len(opts.ListenAddrs))
	for _, s := range opts.ListenAddrs {
		if s == "" {
			continue
		}
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid listen multiaddr %q: %w", s, err)
		}
		listenAddrs = append(listenAddrs, a)
	}
	if len(listenAddrs) == 0 {
		a, _ := ma.NewMultiaddr("/ip4/0.0.0.0/tcp/0")
		listenAddrs = append(listenAddrs, a)
	}

	libp2pOpts := []libp2p.Option{libp2p.ListenAddrs(listenAddrs...)}
	if opts.IdentityKeyFile != "" {
		key, err := loadOrCreateIdentityKey(opts.IdentityKeyFile)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("load identity key: %w", err)
		}
		libp2pOpts = append(libp2pOpts, libp2p.Identity(key))
	}

	h, err := libp2p.New(libp2pOpts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create host: %w", err)
	}
	fail := func(err error) (*Libp2pTransport, error) {
		_ = h.Close()
		cancel()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return fail(fmt.Errorf("create gossipsub: %w", err))
	}
	topic, err := ps.Join(TopicPrefix + opts.Topic)
	if err != nil {
		return fail(fmt.Errorf("join topic: %w", err))
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return fail(fmt.Errorf("subscribe topic: %w", err))
	}
	events, err := topic.EventHandler()
	if err != nil {
		sub.Cancel()
		return fail(fmt.Errorf("topic events: %w", err))
	}

	t := &Libp2pTransport{
		ctx:    ctx,
		cancel: cancel,
		host:   h,
		topic:  topic,
		sub:    sub,
		events: events,
		codec:  codec,
		inbox:  make(chan route.Message, inboxSize(opts.InboxSize)),
	}

	if opts.EnableMDNS {
		service := mdns.NewMdnsService(h, opts.Rendezvous, &mdnsNotifee{host: h})
		if err := service.Start(); err != nil {
			logf("mdns start error: %v", err)
		}
	}

	for _, raw := range opts.Bootstrap {
		if err := t.Connect(ctx, raw); err != nil {
			logf("skip bootstrap addr %q: %v", raw, err)
		}
	}

	t.wg.Add(2)
	go t.readLoop()
	go t.eventLoop()
	return t, nil
}

// Connect dials a peer given its full multiaddr ending in /p2p/<id>.
func (t *Libp2pTransport) Connect(ctx context.Context, raw string) error {
	if raw == "" {
		return fmt.Errorf("empty multiaddr")
	}
	addr, err := ma.NewMultiaddr(raw)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return err
	}
	if err := t.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("connect %s: %w", info.ID, err)
	}
	logf("connected peer %s", info.ID)
	return nil
}

func (t *Libp2pTransport) readLoop() {
	defer t.wg.Done()
	for {
		msg, err := t.sub.Next(t.ctx)
		if err != nil {
			return
		}
		if msg.GetFrom() == t.host.ID() {
			continue
		}
		m, err := t.codec.Unmarshal(msg.Data)
		if err != nil {
			logf("libp2p from %s: %v", msg.GetFrom(), frameError(t.codec, err))
			continue
		}
		if !deliver(t.ctx, t.inbox, m) {
			return
		}
	}
}

func (t *Libp2pTransport) eventLoop() {
	defer t.wg.Done()
	for {
		ev, err := t.events.NextPeerEvent(t.ctx)
		if err != nil {
			return
		}
		if ev.Type != pubsub.PeerJoin {
			continue
		}
		t.mu.Lock()
		fn := t.onConnect
		t.mu.Unlock()
		if fn != nil {
			fn(ev.Peer.String())
		}
	}
}

// OnConnect registers fn to run when a peer joins the topic.
func (t *Libp2pTransport) OnConnect(fn func(peer string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onConnect = fn
}

func (t *Libp2pTransport) Send(ctx context.Context, msg route.Message) error {
	if t.ctx.Err() != nil {
		return ErrClosed
	}
	frame, err := t.codec.Marshal(msg)
	if err != nil {
		return err
	}
	return t.topic.Publish(ctx, frame)
}

func (t *Libp2pTransport) Messages() <-chan route.Message { return t.inbox }

func (t *Libp2pTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.cancel()
		t.sub.Cancel()
		t.events.Cancel()
		t.wg.Wait()
		_ = t.topic.Close()
		err = t.host.Close()
		close(t.inbox)
	})
	return err
}

func (t *Libp2pTransport) PeerID() string {
	return t.host.ID().String()
}

// ListenAddrs returns dialable addresses including the /p2p/ suffix.
func (t *Libp2pTransport) ListenAddrs() []string {
	out := make([]string, 0, len(t.host.Addrs()))
	for _, addr := range t.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", addr.String(), t.host.ID().String()))
	}
	return out
}

func (t *Libp2pTransport) ConnectedPeers() []string {
	peers := t.host.Network().Peers()
	out := make([]string, 0, len(peers))
	for _, pid := range peers {
		out = append(out, pid.String())
	}
	return out
}

// TopicPeers returns the peers currently subscribed to the device topic.
func (t *Libp2pTransport) TopicPeers() []string {
	peers := t.topic.ListPeers()
	out := make([]string, 0, len(peers))
	for _, pid := range peers {
		out = append(out, pid.String())
	}
	return out
}

type mdnsNotifee struct {
	host host.Host
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	if err := n.host.Connect(context.Background(), info); err != nil {
		logf("mdns connect failed %s: %v", info.ID, err)
	}
}

func loadOrCreateIdentityKey(path string) (crypto.PrivKey, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		key, err := crypto.UnmarshalPrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("unmarshal private key: %w", err)
		}
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir key dir: %w", err)
	}
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	return key, nil
}
