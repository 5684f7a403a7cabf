package control

import (
	"errors"
	"fmt"
	"slices"
)

// Foreign menu message ids.
const (
	// Application to client.
	FrgSetTitle uint32 = iota + 1
	FrgAddItem
	FrgModifyItem
	FrgRemoveItem
	FrgClear
)

const (
	// Client to application.
	FrgItemEvent uint32 = iota + 1001
	FrgAppActivated
	FrgAppDeactivated
)

// ItemType bits on added or modified items.
type ItemType uint32

const (
	ItemChecked ItemType = 1 << iota
	ItemDim
	ItemSeparator
)

// ItemAction says what happened to an item in an ItemEvent.
type ItemAction uint32

const (
	ActionClick ItemAction = iota
	ActionChecked
	ActionUnchecked
)

func (a ItemAction) String() string {
	switch a {
	case ActionClick:
		return "click"
	case ActionChecked:
		return "checked"
	case ActionUnchecked:
		return "unchecked"
	}
	return fmt.Sprintf("ItemAction(%d)", uint32(a))
}

var (
	ErrUnknownMessage = errors.New("control: unknown foreign menu message")
	ErrShortMessage   = errors.New("control: message body too short")
	ErrNoSuchItem     = errors.New("control: no such menu item")
)

// --- Message types ---

type SetTitle struct {
	Title string
}

// AddItem inserts an item at Position. ModifyItem has the same layout and
// replaces the item with the same ID.
type AddItem struct {
	ID       uint32
	Type     ItemType
	Position uint32
	Text     string
}

type ModifyItem AddItem

type RemoveItem struct {
	ID uint32
}

type ClearMenu struct{}

type ItemEvent struct {
	ID     uint32
	Action ItemAction
}

type AppActivated struct{}

type AppDeactivated struct{}

// EncodeForeign encodes one of the message types above.
func EncodeForeign(msg any) (Msg, error) {
	switch m := msg.(type) {
	case *SetTitle:
		return Msg{ID: FrgSetTitle, Body: appendCString(nil, m.Title)}, nil
	case *AddItem:
		return Msg{ID: FrgAddItem, Body: encodeItem(m)}, nil
	case *ModifyItem:
		return Msg{ID: FrgModifyItem, Body: encodeItem((*AddItem)(m))}, nil
	case *RemoveItem:
		return Msg{ID: FrgRemoveItem, Body: wire.AppendUint32(nil, m.ID)}, nil
	case *ClearMenu:
		return Msg{ID: FrgClear}, nil
	case *ItemEvent:
		b := wire.AppendUint32(nil, m.ID)
		return Msg{ID: FrgItemEvent, Body: wire.AppendUint32(b, uint32(m.Action))}, nil
	case *AppActivated:
		return Msg{ID: FrgAppActivated}, nil
	case *AppDeactivated:
		return Msg{ID: FrgAppDeactivated}, nil
	}
	return Msg{}, fmt.Errorf("unsupported foreign menu message: %T", msg)
}

func encodeItem(m *AddItem) []byte {
	b := make([]byte, 0, 12+len(m.Text)+1)
	b = wire.AppendUint32(b, m.ID)
	b = wire.AppendUint32(b, uint32(m.Type))
	b = wire.AppendUint32(b, m.Position)
	return appendCString(b, m.Text)
}

// DecodeForeign decodes a foreign menu message into a pointer to one of the
// message types above.
func DecodeForeign(m Msg) (any, error) {
	short := func(need int) error {
		return fmt.Errorf("%w: id %d needs %d bytes, have %d", ErrShortMessage, m.ID, need, len(m.Body))
	}
	switch m.ID {
	case FrgSetTitle:
		return &SetTitle{Title: cstring(m.Body)}, nil
	case FrgAddItem, FrgModifyItem:
		if len(m.Body) < 12 {
			return nil, short(12)
		}
		it := AddItem{
			ID:       wire.Uint32(m.Body[0:4]),
			Type:     ItemType(wire.Uint32(m.Body[4:8])),
			Position: wire.Uint32(m.Body[8:12]),
			Text:     cstring(m.Body[12:]),
		}
		if m.ID == FrgModifyItem {
			return (*ModifyItem)(&it), nil
		}
		return &it, nil
	case FrgRemoveItem:
		if len(m.Body) < 4 {
			return nil, short(4)
		}
		return &RemoveItem{ID: wire.Uint32(m.Body[0:4])}, nil
	case FrgClear:
		return &ClearMenu{}, nil
	case FrgItemEvent:
		if len(m.Body) < 8 {
			return nil, short(8)
		}
		return &ItemEvent{ID: wire.Uint32(m.Body[0:4]), Action: ItemAction(wire.Uint32(m.Body[4:8]))}, nil
	case FrgAppActivated:
		return &AppActivated{}, nil
	case FrgAppDeactivated:
		return &AppDeactivated{}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, m.ID)
}

// EncodeForeignMenuInit builds the foreign menu init message.
func EncodeForeignMenuInit(credentials uint64, title string) []byte {
	return ForeignMenu.EncodeInit(credentials, ForeignMenuInitTail(title))
}

// ForeignMenuInitTail is the init tail carrying title.
func ForeignMenuInitTail(title string) []byte { return appendCString(nil, title) }

// ForeignMenuTitle returns the title carried by a foreign menu init.
func ForeignMenuTitle(init Init) string { return cstring(init.Tail) }

// ForeignItem is one item in a ForeignMenuState.
type ForeignItem struct {
	ID   uint32
	Type ItemType
	Text string
}

// ForeignMenuState is the client's copy of an application's menu.
type ForeignMenuState struct {
	Title string
	Items []ForeignItem
}

// Apply folds an application message into the state.
func (s *ForeignMenuState) Apply(msg any) error {
	switch m := msg.(type) {
	case *SetTitle:
		s.Title = m.Title
	case *AddItem:
		it := ForeignItem{ID: m.ID, Type: m.Type, Text: m.Text}
		pos := min(int(m.Position), len(s.Items))
		s.Items = slices.Insert(s.Items, pos, it)
	case *ModifyItem:
		i := s.index(m.ID)
		if i < 0 {
			return fmt.Errorf("%w: %d", ErrNoSuchItem, m.ID)
		}
		s.Items[i] = ForeignItem{ID: m.ID, Type: m.Type, Text: m.Text}
	case *RemoveItem:
		i := s.index(m.ID)
		if i < 0 {
			return fmt.Errorf("%w: %d", ErrNoSuchItem, m.ID)
		}
		s.Items = slices.Delete(s.Items, i, i+1)
	case *ClearMenu:
		s.Items = nil
	default:
		return fmt.Errorf("%w: %T is not an application message", ErrUnknownMessage, msg)
	}
	return nil
}

func (s *ForeignMenuState) index(id uint32) int {
	return slices.IndexFunc(s.Items, func(it ForeignItem) bool { return it.ID == id })
}

func (s *ForeignMenuState) selectable(id uint32) (*ForeignItem, error) {
	i := s.index(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchItem, id)
	}
	it := &s.Items[i]
	if it.Type&(ItemDim|ItemSeparator) != 0 {
		return nil, fmt.Errorf("%w: %d is not selectable", ErrNoSuchItem, id)
	}
	return it, nil
}

// Click builds the event for the user picking item id.
func (s *ForeignMenuState) Click(id uint32) (*ItemEvent, error) {
	if _, err := s.selectable(id); err != nil {
		return nil, err
	}
	return &ItemEvent{ID: id, Action: ActionClick}, nil
}

// SetChecked updates the check mark on item id and builds the event that
// reports it.
func (s *ForeignMenuState) SetChecked(id uint32, checked bool) (*ItemEvent, error) {
	it, err := s.selectable(id)
	if err != nil {
		return nil, err
	}
	if checked {
		it.Type |= ItemChecked
		return &ItemEvent{ID: id, Action: ActionChecked}, nil
	}
	it.Type &^= ItemChecked
	return &ItemEvent{ID: id, Action: ActionUnchecked}, nil
}
