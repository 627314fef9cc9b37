package main

// Cursor tracks the current item of a list split in pages of a fixed size.
type Cursor struct {
	pos      int
	limit    int
	pageSize int
}

// NewCursor returns a cursor at item 0 of a list of limit items.
func NewCursor(limit, pageSize int) *Cursor {
	return &Cursor{limit: limit, pageSize: max(pageSize, 1)}
}

// Pos returns the current item.
func (c *Cursor) Pos() int {
	return c.pos
}

// Len returns the number of items.
func (c *Cursor) Len() int {
	return c.limit
}

// SetLimit changes the number of items, keeping the position inside.
func (c *Cursor) SetLimit(limit int) {
	c.limit = max(limit, 0)
	c.pos = max(0, min(c.pos, c.limit-1))
}

// Visible returns the items [from, to) of the current page.
func (c *Cursor) Visible() (int, int) {
	from := c.CurrentPage() * c.pageSize
	return from, min(c.limit, from+c.pageSize)
}

// CurrentPage return the current page.
func (c *Cursor) CurrentPage() int {
	return max(c.PageOfItem(c.pos), 0)
}

// NumPages returns the number of pages.
func (c *Cursor) NumPages() int {
	return intCeil(c.limit, c.pageSize)
}

// PageOfItem returns the page of the item.
func (c *Cursor) PageOfItem(i int) int {
	if 0 <= i && i < c.limit {
		return i / c.pageSize
	}
	return -1
}

// Goto moves to item i. It reports whether i is in the list.
func (c *Cursor) Goto(i int) bool {
	if i < 0 || i >= c.limit {
		return false
	}
	c.pos = i
	return true
}

// Next moves one item forward, stopping at the last one.
func (c *Cursor) Next() bool {
	return c.Goto(c.pos + 1)
}

// Prev moves one item back, stopping at the first one.
func (c *Cursor) Prev() bool {
	return c.Goto(c.pos - 1)
}

// GotoPage moves to the first item of page.
func (c *Cursor) GotoPage(page int) bool {
	if 0 <= page && page < c.NumPages() {
		c.pos = page * c.pageSize
		return true
	}
	return false
}

// NextPage moves to the first item of the next page.
func (c *Cursor) NextPage() bool {
	return c.GotoPage(c.CurrentPage() + 1)
}

// PrevPage moves to the first item of the previous page.
func (c *Cursor) PrevPage() bool {
	return c.GotoPage(c.CurrentPage() - 1)
}

// intCeil returns the ceiling of x/y.
func intCeil(x, y int) int {
	return (x + y - 1) / y
}
