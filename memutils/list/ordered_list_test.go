package list_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpumem/memutils/list"
)

func collect(l *list.OrderedList[string]) []string {
	var out []string
	for h := l.Front(); h != list.NoHandle; h = l.Next(h) {
		out = append(out, *l.Get(h))
	}
	return out
}

func collectBackward(l *list.OrderedList[string]) []string {
	var out []string
	for h := l.Back(); h != list.NoHandle; h = l.Prev(h) {
		out = append([]string{*l.Get(h)}, out...)
	}
	return out
}

func TestOrderedListPushAndInsert(t *testing.T) {
	l := list.NewOrderedList[string](4)
	require.True(t, l.IsEmpty())

	b := l.PushBack("b")
	l.PushFront("a")
	d := l.PushBack("d")
	l.InsertBefore(d, "c")
	l.InsertAfter(d, "e")
	l.InsertAfter(b, "b2")

	expected := []string{"a", "b", "b2", "c", "d", "e"}
	require.Equal(t, expected, collect(l))
	require.Equal(t, expected, collectBackward(l))
	require.Equal(t, 6, l.Len())
}

func TestOrderedListNoHandleInserts(t *testing.T) {
	l := list.NewOrderedList[string](4)

	l.InsertBefore(list.NoHandle, "middle")
	l.InsertBefore(list.NoHandle, "last")
	l.InsertAfter(list.NoHandle, "first")

	require.Equal(t, []string{"first", "middle", "last"}, collect(l))
}

func TestOrderedListRemoveKeepsOtherHandles(t *testing.T) {
	l := list.NewOrderedList[string](2)

	a := l.PushBack("a")
	b := l.PushBack("b")
	c := l.PushBack("c")

	l.Remove(b)
	require.Equal(t, []string{"a", "c"}, collect(l))
	require.Equal(t, c, l.Next(a))
	require.Equal(t, a, l.Prev(c))

	// Reuses b's slot but must not disturb a or c
	x := l.InsertAfter(a, "x")
	require.Equal(t, "a", *l.Get(a))
	require.Equal(t, "c", *l.Get(c))
	require.Equal(t, []string{"a", "x", "c"}, collect(l))

	l.Remove(a)
	l.Remove(c)
	require.Equal(t, x, l.Front())
	require.Equal(t, x, l.Back())
	require.Equal(t, []string{"x"}, collect(l))
}

func TestOrderedListPop(t *testing.T) {
	l := list.NewOrderedList[string](2)
	l.PushBack("a")
	l.PushBack("b")
	l.PushBack("c")

	require.Equal(t, "a", l.PopFront())
	require.Equal(t, "c", l.PopBack())
	require.Equal(t, "b", l.PopBack())
	require.True(t, l.IsEmpty())
	require.Equal(t, list.NoHandle, l.Front())
	require.Equal(t, list.NoHandle, l.Back())

	require.Panics(t, func() {
		l.PopFront()
	})
}

func TestOrderedListClear(t *testing.T) {
	l := list.NewOrderedList[string](2)
	for _, s := range []string{"a", "b", "c"} {
		l.PushBack(s)
	}

	l.Clear()
	require.True(t, l.IsEmpty())
	require.Nil(t, collect(l))

	l.PushBack("z")
	require.Equal(t, []string{"z"}, collect(l))
}
