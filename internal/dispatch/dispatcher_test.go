package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/esh3ar/internal/identity"
	"github.com/matheus3301/esh3ar/internal/message"
)

type recorder struct {
	mu         sync.Mutex
	shown      []uuid.UUID
	kinds      []message.Kind
	broadcasts []string
	chats      []message.ChatMessage
	errs       []error
}

func (r *recorder) ShowMessage(kind message.Kind, m message.Inbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shown = append(r.shown, m.ID)
	r.kinds = append(r.kinds, kind)
}

func (r *recorder) ShowBroadcast(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts = append(r.broadcasts, text)
}

func (r *recorder) ShowChat(c message.ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chats = append(r.chats, c)
}

func (r *recorder) ShowError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

type fakeAcks struct {
	mu   sync.Mutex
	ids  []uuid.UUID
	fail map[uuid.UUID]bool
}

func (f *fakeAcks) Acknowledge(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	if f.fail[id] {
		return fmt.Errorf("acknowledge %s: boom", id)
	}
	return nil
}

func newDispatcher(role identity.Role) (*Dispatcher, *recorder, *fakeAcks) {
	rec := &recorder{}
	acks := &fakeAcks{}
	d := New(identity.Identity{UserID: "u-1", Handle: "h", Role: role}, rec, acks, nil, zap.NewNop())
	return d, rec, acks
}

func stringArg(t *testing.T, doc string) []json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	return []json.RawMessage{raw}
}

func pendingDoc(ids []uuid.UUID, withURL bool) string {
	items := make([]string, len(ids))
	for i, id := range ids {
		item := fmt.Sprintf(`{"Id":%q,"From":"sender-%d","MessageContent":"content %d"`, id, i, i)
		if withURL {
			item += `,"AccessUrl":"https://files/` + id.String() + `"`
		}
		items[i] = item + "}"
	}
	return "[" + strings.Join(items, ",") + "]"
}

func TestLiveDisplaysThenAcknowledgesOnce(t *testing.T) {
	d, rec, acks := newDispatcher(identity.Mobile)
	id := uuid.New()
	d.HandleLive(stringArg(t, fmt.Sprintf(`{"Id":%q,"From":"Esh3arTech","MessageContent":"hi"}`, id)))

	if !slices.Equal(rec.shown, []uuid.UUID{id}) || rec.kinds[0] != message.Live {
		t.Errorf("shown = %v %v", rec.shown, rec.kinds)
	}
	if !slices.Equal(acks.ids, []uuid.UUID{id}) {
		t.Errorf("acks = %v, want [%s]", acks.ids, id)
	}
}

func TestPendingAcknowledgesEveryMemberInOrder(t *testing.T) {
	for _, n := range []int{0, 1, 2, 7} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			d, rec, acks := newDispatcher(identity.Mobile)
			ids := make([]uuid.UUID, n)
			for i := range ids {
				ids[i] = uuid.New()
			}
			d.HandlePending(stringArg(t, pendingDoc(ids, true)))

			if len(acks.ids) != n {
				t.Fatalf("acks = %d, want %d", len(acks.ids), n)
			}
			if n > 0 && !slices.Equal(acks.ids, ids) {
				t.Errorf("ack order = %v, want %v", acks.ids, ids)
			}
			if n > 0 && !slices.Equal(rec.shown, ids) {
				t.Errorf("display order = %v, want %v", rec.shown, ids)
			}
			for _, k := range rec.kinds {
				if k != message.Pending {
					t.Errorf("kind = %s, want PENDING", k)
				}
			}
		})
	}
}

func TestPendingWithoutAccessURL(t *testing.T) {
	d, rec, acks := newDispatcher(identity.Mobile)
	ids := []uuid.UUID{uuid.New(), uuid.New()}
	d.HandlePending(stringArg(t, pendingDoc(ids, false)))

	if !slices.Equal(rec.shown, ids) {
		t.Errorf("shown = %v, want both", rec.shown)
	}
	if !slices.Equal(acks.ids, ids) {
		t.Errorf("acks = %v, want both", acks.ids)
	}
	if len(rec.errs) != 0 {
		t.Errorf("errors = %v", rec.errs)
	}
}

func TestPendingAckFailureDoesNotStopBatch(t *testing.T) {
	d, rec, acks := newDispatcher(identity.Mobile)
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	acks.fail = map[uuid.UUID]bool{ids[1]: true}

	d.HandlePending(stringArg(t, pendingDoc(ids, false)))

	if !slices.Equal(acks.ids, ids) {
		t.Errorf("acks = %v, want all three", acks.ids)
	}
	if len(rec.errs) != 1 {
		t.Errorf("errors shown = %d, want 1", len(rec.errs))
	}
}

func TestMessageWithoutIDIsNotAcknowledged(t *testing.T) {
	d, rec, acks := newDispatcher(identity.Mobile)
	d.HandleLive(stringArg(t, `{"From":"x","MessageContent":"no id"}`))
	if len(rec.shown) != 1 {
		t.Errorf("shown = %d, want 1", len(rec.shown))
	}
	if len(acks.ids) != 0 {
		t.Errorf("acks = %v, want none", acks.ids)
	}
}

func TestMalformedFrameDoesNotStopLaterFrames(t *testing.T) {
	d, rec, acks := newDispatcher(identity.Mobile)
	good := uuid.New()

	d.HandleLive(stringArg(t, `{"Id":`))
	d.HandlePending(stringArg(t, `{"not":"a list"}`))
	d.HandleChat(stringArg(t, `[1,2]`))
	d.HandleBroadcast(nil)
	d.HandleLive(stringArg(t, fmt.Sprintf(`{"Id":%q}`, good)))

	if len(rec.errs) != 4 {
		t.Fatalf("errors = %d, want 4", len(rec.errs))
	}
	for _, err := range rec.errs {
		var de *message.DecodeError
		if !errors.As(err, &de) {
			t.Errorf("error %v is not a *message.DecodeError", err)
		}
	}
	if !slices.Equal(acks.ids, []uuid.UUID{good}) {
		t.Errorf("acks = %v, want only the valid frame", acks.ids)
	}
}

func TestBroadcastIsNotAcknowledged(t *testing.T) {
	d, rec, acks := newDispatcher(identity.Business)
	d.HandleBroadcast([]json.RawMessage{json.RawMessage(`"system maintenance"`)})
	if !slices.Equal(rec.broadcasts, []string{"system maintenance"}) {
		t.Errorf("broadcasts = %v", rec.broadcasts)
	}
	if len(acks.ids) != 0 {
		t.Errorf("acks = %v, want none", acks.ids)
	}
}

func TestChatUsesRoleSchema(t *testing.T) {
	doc := fmt.Sprintf(`{"Id":%q,"SenderId":"s","From":"biz","ReceipientMobileAccount":"acct","ReceipientMobileNumber":"775265496","Content":"hello"}`, uuid.New())
	tests := []struct {
		role         identity.Role
		wantMobile   bool
		wantBusiness bool
	}{
		{identity.Mobile, true, false},
		{identity.Business, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.role.String(), func(t *testing.T) {
			d, rec, acks := newDispatcher(tt.role)
			d.HandleChat(stringArg(t, doc))
			if len(rec.chats) != 1 {
				t.Fatalf("chats = %d, want 1", len(rec.chats))
			}
			c := rec.chats[0]
			if (c.MobileToBusiness != nil) != tt.wantMobile || (c.BusinessToMobile != nil) != tt.wantBusiness {
				t.Errorf("variant = %+v", c)
			}
			if len(acks.ids) != 0 {
				t.Errorf("chat acknowledged: %v", acks.ids)
			}
		})
	}
}
