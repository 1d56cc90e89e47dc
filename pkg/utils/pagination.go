package utils

const (
	defaultPageLimit = 10
	maxPageLimit     = 100
)

// Pagination 分页请求参数
type Pagination struct {
	Page  int `json:"page" form:"page"`
	Limit int `json:"limit" form:"limit"`
}

// PageResult 分页响应结果
type PageResult struct {
	List  interface{} `json:"list"`
	Total int64       `json:"total"`
	Page  int         `json:"page"`
	Limit int         `json:"limit"`
}

// Normalize 补齐默认值并返回偏移量与条数
func (p *Pagination) Normalize() (offset, limit int) {
	if p.Page <= 0 {
		p.Page = 1
	}
	switch {
	case p.Limit <= 0:
		p.Limit = defaultPageLimit
	case p.Limit > maxPageLimit:
		p.Limit = maxPageLimit
	}
	return (p.Page - 1) * p.Limit, p.Limit
}

// Paginate 对内存中已排好序的列表分页，超出范围时 List 为空切片而非 nil
func Paginate[T any](items []T, p Pagination) PageResult {
	offset, limit := p.Normalize()
	list := []T{}
	if offset < len(items) {
		end := min(offset+limit, len(items))
		list = items[offset:end]
	}
	return PageResult{
		List:  list,
		Total: int64(len(items)),
		Page:  p.Page,
		Limit: p.Limit,
	}
}
