package control

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Menu text delimiters. Each item is "parent\rid\rtext\rflags\r" followed by
// "\n".
const (
	MenuItemDelimiter  = "\n"
	MenuParamDelimiter = "\r"
)

// MenuFlags are the per-item flag bits.
type MenuFlags uint32

const (
	MenuSeparator MenuFlags = 1 << iota
	MenuDisabled
	MenuPopup
	MenuChecked
	MenuGrayed
)

// MenuIDMask selects the item id bits the client reports back in
// OpMenuItemClick.
const MenuIDMask = 0x0000ffff

var ErrBadMenu = errors.New("control: malformed menu")

// MenuItem is one entry. Children are only populated for popups.
type MenuItem struct {
	ID       uint32
	Text     string
	Flags    MenuFlags
	Children []*MenuItem
}

func (it *MenuItem) IsSeparator() bool { return it.Flags&MenuSeparator != 0 }
func (it *MenuItem) IsPopup() bool     { return it.Flags&MenuPopup != 0 }

// Menu is a parsed controller menu. Items is the top level.
type Menu struct {
	Items []*MenuItem
}

// ParseMenu parses OpCreateMenu text. Parent 0 is the top level; any other
// parent must name a popup defined earlier in the text.
func ParseMenu(text string) (*Menu, error) {
	m := &Menu{}
	popups := map[uint32]*MenuItem{}

	for n, line := range strings.Split(text, MenuItemDelimiter) {
		if line == "" {
			continue
		}
		f := strings.Split(line, MenuParamDelimiter)
		if len(f) < 4 {
			return nil, fmt.Errorf("%w: item %d has %d fields", ErrBadMenu, n+1, len(f))
		}
		parent, err := strconv.ParseUint(f[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: item %d parent: %v", ErrBadMenu, n+1, err)
		}
		id, err := strconv.ParseUint(f[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: item %d id: %v", ErrBadMenu, n+1, err)
		}
		flags, err := strconv.ParseUint(f[3], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: item %d flags: %v", ErrBadMenu, n+1, err)
		}
		item := &MenuItem{ID: uint32(id), Text: f[2], Flags: MenuFlags(flags)}

		if parent == 0 {
			m.Items = append(m.Items, item)
		} else {
			p, ok := popups[uint32(parent)]
			if !ok {
				return nil, fmt.Errorf("%w: item %d refers to unknown popup %d", ErrBadMenu, n+1, parent)
			}
			p.Children = append(p.Children, item)
		}
		if item.IsPopup() {
			popups[item.ID] = item
		}
	}
	return m, nil
}

// String renders the menu back to OpCreateMenu text.
func (m *Menu) String() string {
	var b strings.Builder
	var walk func(parent uint32, items []*MenuItem)
	walk = func(parent uint32, items []*MenuItem) {
		for _, it := range items {
			fmt.Fprintf(&b, "%d\r%d\r%s\r%d\r\n", parent, it.ID, it.Text, uint32(it.Flags))
			if it.IsPopup() {
				walk(it.ID, it.Children)
			}
		}
	}
	walk(0, m.Items)
	return b.String()
}

// Find returns the first selectable item with id, searching depth first.
// Separators and popups are never selectable.
func (m *Menu) Find(id uint32) *MenuItem {
	var find func(items []*MenuItem) *MenuItem
	find = func(items []*MenuItem) *MenuItem {
		for _, it := range items {
			if it.IsPopup() {
				if r := find(it.Children); r != nil {
					return r
				}
				continue
			}
			if !it.IsSeparator() && it.ID == id {
				return it
			}
		}
		return nil
	}
	return find(m.Items)
}

// Click validates a selection of item id and returns the message to send
// the application.
func (m *Menu) Click(id uint32) (Command, error) {
	it := m.Find(id)
	if it == nil {
		return Command{}, fmt.Errorf("%w: no item %d", ErrBadMenu, id)
	}
	if it.Flags&(MenuDisabled|MenuGrayed) != 0 {
		return Command{}, fmt.Errorf("%w: item %d is disabled", ErrBadMenu, id)
	}
	return MenuItemClick(it.ID & MenuIDMask), nil
}
