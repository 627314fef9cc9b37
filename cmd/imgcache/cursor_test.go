package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCursorMoves(t *testing.T) {
	c := NewCursor(7, 3)
	assert.Equal(t, 3, c.NumPages())
	assert.False(t, c.Prev())
	assert.Equal(t, 0, c.Pos())

	assert.True(t, c.Next())
	assert.True(t, c.Next())
	assert.True(t, c.Next())
	assert.Equal(t, 3, c.Pos())
	assert.Equal(t, 1, c.CurrentPage())

	from, to := c.Visible()
	assert.Equal(t, 3, from)
	assert.Equal(t, 6, to)

	assert.True(t, c.NextPage())
	assert.Equal(t, 6, c.Pos())
	from, to = c.Visible()
	assert.Equal(t, 6, from)
	assert.Equal(t, 7, to, "last page is short")
	assert.False(t, c.NextPage())
	assert.False(t, c.Next())

	assert.True(t, c.PrevPage())
	assert.Equal(t, 3, c.Pos())
	assert.False(t, c.Goto(7))
	assert.True(t, c.Goto(2))
	assert.Equal(t, 0, c.CurrentPage())
}

func TestCursorPageOfItem(t *testing.T) {
	c := NewCursor(10, 4)
	tests := []struct {
		item, page int
	}{
		{0, 0}, {3, 0}, {4, 1}, {9, 2}, {10, -1}, {-1, -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.page, c.PageOfItem(tt.item), "item %d", tt.item)
	}
}

func TestCursorSetLimit(t *testing.T) {
	c := NewCursor(5, 2)
	c.Goto(4)
	c.SetLimit(3)
	assert.Equal(t, 2, c.Pos())
	c.SetLimit(0)
	assert.Equal(t, 0, c.Pos())
	assert.Equal(t, 0, c.NumPages())
	assert.False(t, c.Next())

	c = NewCursor(5, 0)
	assert.Equal(t, 5, c.NumPages(), "page size at least one")
}
