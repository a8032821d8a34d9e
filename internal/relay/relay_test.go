package relay

import (
	"context"
	"errors"
	"io"
	"iter"
	"net"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ianktoo/turtle-talk/internal/bridge"
	"github.com/ianktoo/turtle-talk/internal/domain"
	"github.com/ianktoo/turtle-talk/internal/memory"
	"github.com/ianktoo/turtle-talk/internal/speech"
	"github.com/ianktoo/turtle-talk/internal/store"
	"github.com/ianktoo/turtle-talk/internal/turnstream"
	"github.com/ianktoo/turtle-talk/internal/voicestate"
)

type silentRunner struct{}

func (silentRunner) RunTurn(context.Context, speech.Clip, domain.ConversationContext) iter.Seq2[turnstream.Event, error] {
	return func(func(turnstream.Event, error) bool) {}
}

func TestIssuerRoundTrip(t *testing.T) {
	t.Parallel()

	iss := NewIssuer("s3cret", time.Minute)
	token, expires, err := iss.Issue("device-1", "tab-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if d := time.Until(expires); d <= 0 || d > time.Minute {
		t.Fatalf("expires in %v", d)
	}

	claims, err := iss.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.UserID() != "device-1" || claims.SessionID != "tab-1" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestIssuerRejects(t *testing.T) {
	t.Parallel()

	iss := NewIssuer("s3cret", time.Minute)
	token, _, err := iss.Issue("device-1", "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := NewIssuer("other", time.Minute).Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong secret: err = %v", err)
	}

	late := NewIssuer("s3cret", time.Minute)
	late.now = func() time.Time { return time.Now().Add(time.Hour) }
	if _, err := late.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired: err = %v", err)
	}

	if _, err := iss.Verify("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("garbage: err = %v", err)
	}
	if _, _, err := NewIssuer("", 0).Issue("device-1", ""); err == nil {
		t.Error("expected error without a secret")
	}
	if _, _, err := iss.Issue("", ""); err == nil {
		t.Error("expected error without a user")
	}
}

func TestFrameCarriesMessage(t *testing.T) {
	t.Parallel()

	in := bridge.Message{
		Type:     bridge.TypeStart,
		Audio:    []byte{0, 1, 2, 250},
		MIMEType: "audio/wav",
		Options: &bridge.StartOptions{
			ChildName: "Mia",
			Topics:    []string{"crabs"},
			Messages:  []domain.Turn{{Role: domain.RoleUser, Content: "hi"}},
		},
	}
	frame, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if got := frame.GetFields()["type"].GetStringValue(); got != bridge.TypeStart {
		t.Fatalf("type field = %q", got)
	}

	out, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Type != in.Type || string(out.Audio) != string(in.Audio) || out.Options.ChildName != "Mia" ||
		len(out.Options.Messages) != 1 || out.Options.Messages[0].Content != "hi" {
		t.Fatalf("round trip = %+v", out)
	}
}

type fixture struct {
	issuer *Issuer
	conn   *grpc.ClientConn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "turtle.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	issuer := NewIssuer("s3cret", time.Minute)
	srv := NewServer(ServerConfig{
		Runner: silentRunner{},
		Issuer: issuer,
		Keeper: memory.NewKeeper(repo, 4, nil),
	}, nil)

	lis := bufconn.Listen(1 << 20)
	g := NewGRPCServer(srv)
	go func() { _ = g.Serve(lis) }()
	t.Cleanup(g.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &fixture{issuer: issuer, conn: conn}
}

func (f *fixture) join(t *testing.T, token string) JoinClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	if token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, MetadataKey, "Bearer "+token)
	}
	stream, err := Join(ctx, f.conn)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	return stream
}

func send(t *testing.T, stream JoinClient, m bridge.Message) {
	t.Helper()
	frame, err := Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	if err := stream.Send(frame); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func await(t *testing.T, stream JoinClient, match func(bridge.Message) bool) bridge.Message {
	t.Helper()
	for {
		frame, err := stream.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		m, err := Decode(frame)
		if err != nil {
			t.Fatal(err)
		}
		if match(m) {
			return m
		}
	}
}

func TestJoinRequiresToken(t *testing.T) {
	f := newFixture(t)

	for name, token := range map[string]string{"missing": "", "forged": "abc.def.ghi"} {
		t.Run(name, func(t *testing.T) {
			stream := f.join(t, token)
			_, err := stream.Recv()
			if status.Code(err) != codes.Unauthenticated {
				t.Fatalf("err = %v, want Unauthenticated", err)
			}
		})
	}
}

func TestJoinRunsSession(t *testing.T) {
	f := newFixture(t)

	token, _, err := f.issuer.Issue("device-1", "tab-1")
	if err != nil {
		t.Fatal(err)
	}
	stream := f.join(t, token)

	send(t, stream, bridge.Message{Type: bridge.TypePing})
	await(t, stream, func(m bridge.Message) bool { return m.Type == bridge.TypePong })

	send(t, stream, bridge.Message{Type: bridge.TypeStart})
	await(t, stream, func(m bridge.Message) bool {
		return m.Type == bridge.TypeState && m.State == voicestate.StateListening
	})

	send(t, stream, bridge.Message{Type: "juggle"})
	if m := await(t, stream, func(m bridge.Message) bool { return m.Type == bridge.TypeError }); m.Text != bridge.MsgUnknownMessage {
		t.Fatal("expected error text")
	}

	send(t, stream, bridge.Message{Type: bridge.TypeStop})
	await(t, stream, func(m bridge.Message) bool { return m.Type == bridge.TypeEnd })
	for {
		if _, err := stream.Recv(); err != nil {
			if !errors.Is(err, io.EOF) {
				t.Fatalf("stream closed with %v", err)
			}
			return
		}
	}
}
