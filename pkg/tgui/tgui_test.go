package tgui

import (
	"errors"
	"strings"
	"testing"
)

func TestData(t *testing.T) {
	t.Parallel()

	got, err := Data("job", "del", "3f2a9c1d")
	if err != nil || got != "job:del:3f2a9c1d" {
		t.Fatalf("Data = %q, %v", got, err)
	}
	if got := MustData("conv", "yes", ""); got != "conv:yes" {
		t.Fatalf("MustData = %q", got)
	}
	if _, err := Data("job", "del", strings.Repeat("x", 80)); !errors.Is(err, ErrCallbackDataTooLong) {
		t.Fatalf("long data err = %v", err)
	}
}

func TestPaginate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		total, page, size int
		want              Page
		label             string
	}{
		{0, 0, 10, Page{Size: 10}, "Page 1/1"},
		{25, 1, 10, Page{Index: 1, Size: 10, From: 10, To: 20, Total: 25, HasPrev: true, HasNext: true}, "Page 2/3 • 11–20 of 25"},
		{25, 9, 10, Page{Index: 2, Size: 10, From: 20, To: 25, Total: 25, HasPrev: true}, "Page 3/3 • 21–25 of 25"},
		{5, -1, 10, Page{Size: 10, To: 5, Total: 5}, "Page 1/1 • 1–5 of 5"},
	}
	for _, tt := range tests {
		got := Paginate(tt.total, tt.page, tt.size)
		if got != tt.want {
			t.Fatalf("Paginate(%d,%d,%d) = %+v, want %+v", tt.total, tt.page, tt.size, got, tt.want)
		}
		if got.Label() != tt.label {
			t.Fatalf("Label = %q, want %q", got.Label(), tt.label)
		}
	}
}

func TestEscAndTrunc(t *testing.T) {
	t.Parallel()

	if got := B("<x>"); got != "<b>&lt;x&gt;</b>" {
		t.Fatalf("B = %q", got)
	}
	if got := JoinH(" ", Code("a"), "", I("b")); got != "<code>a</code> <i>b</i>" {
		t.Fatalf("JoinH = %q", got)
	}
	if got := TruncRunes("héllo world", 5); got != "héll…" {
		t.Fatalf("TruncRunes = %q", got)
	}
	if got := TruncRunes("hi", 5); got != "hi" {
		t.Fatalf("TruncRunes short = %q", got)
	}
}

func TestSplitMessage(t *testing.T) {
	t.Parallel()

	if got := SplitMessage("short", 10, false); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short = %q", got)
	}

	long := strings.Repeat("a", 25)
	got := SplitMessage(long, 10, false)
	if len(got) != 3 || strings.Join(got, "") != long {
		t.Fatalf("long = %q", got)
	}

	got = SplitMessage("aaaa\nbbbb\ncccc", 10, false)
	if len(got) != 2 || got[0] != "aaaa\nbbbb" || got[1] != "cccc" {
		t.Fatalf("lines = %q", got)
	}

	got = SplitMessage("aaaaaa<b>bold</b>", 8, true)
	if got[0] != "aaaaaa" {
		t.Fatalf("html first = %q", got[0])
	}
	for _, p := range got {
		if strings.Count(p, "<") != strings.Count(p, ">") {
			t.Fatalf("html piece %q splits a tag", p)
		}
	}
}
