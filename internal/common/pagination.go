package common

// Pagination is the paging block returned by list endpoints.
type Pagination struct {
	Total      int64 `json:"total"`
	PageSize   int   `json:"pageSize"`
	PageNum    int   `json:"pageNum"`
	TotalPages int64 `json:"totalPages"`
}

// ClampPage normalises page/pageSize: page starts at 1, size falls back to def
// when <= 0 and is capped at max.
func ClampPage(page, pageSize, def, max int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = def
	}
	if pageSize > max {
		pageSize = max
	}
	return page, pageSize
}

func NewPagination(total int64, page, pageSize int) Pagination {
	var pages int64
	if pageSize > 0 {
		pages = (total + int64(pageSize) - 1) / int64(pageSize)
	}
	return Pagination{Total: total, PageSize: pageSize, PageNum: page, TotalPages: pages}
}

// Offset converts a 1-based page into a row offset.
func Offset(page, pageSize int) int {
	return (page - 1) * pageSize
}
