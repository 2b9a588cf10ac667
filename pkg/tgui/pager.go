package tgui

import "fmt"

// Page is one window over a list.
type Page struct {
	Index   int // 0-based
	Size    int
	From    int
	To      int
	Total   int
	HasPrev bool
	HasNext bool
}

// Paginate clamps page into range and returns the window over total items.
func Paginate(total, page, size int) Page {
	if size <= 0 {
		size = 10
	}
	pages := max((total+size-1)/size, 1)
	page = min(max(page, 0), pages-1)
	from := min(page*size, total)
	to := min(from+size, total)
	return Page{Index: page, Size: size, From: from, To: to, Total: total, HasPrev: page > 0, HasNext: to < total}
}

// Label renders "Page 2/3 • 11–20 of 25".
func (p Page) Label() string {
	pages := max((p.Total+p.Size-1)/p.Size, 1)
	if p.Total == 0 {
		return "Page 1/1"
	}
	return fmt.Sprintf("Page %d/%d • %d–%d of %d", p.Index+1, pages, p.From+1, p.To, p.Total)
}
