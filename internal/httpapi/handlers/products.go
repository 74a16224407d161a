package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/shopchat/internal/common"
	"github.com/suPer8Hu/shopchat/internal/models"
	"github.com/suPer8Hu/shopchat/internal/product"
)

func floatQuery(c *gin.Context, key string) (*float64, bool) {
	v := c.Query(key)
	if v == "" {
		return nil, true
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid "+key)
		return nil, false
	}
	return &f, true
}

func (h *Handler) ListProducts(c *gin.Context) {
	minPrice, ok := floatQuery(c, "min_price")
	if !ok {
		return
	}
	maxPrice, ok := floatQuery(c, "max_price")
	if !ok {
		return
	}
	f := product.Filter{
		Category: c.Query("category"),
		MinPrice: minPrice,
		MaxPrice: maxPrice,
		Keyword:  c.Query("q"),
	}
	page, size := pageQuery(c)
	items, p, err := h.Products.List(c.Request.Context(), f, page, size)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"items": items, "pagination": p})
}

func (h *Handler) respondProduct(c *gin.Context, p *models.Product, err error) {
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, p)
}

func (h *Handler) GetProduct(c *gin.Context) {
	id, ok := idParam(c, "product_id")
	if !ok {
		return
	}
	p, err := h.Products.Get(c.Request.Context(), id)
	h.respondProduct(c, p, err)
}

func (h *Handler) GetProductByName(c *gin.Context) {
	p, err := h.Products.GetByName(c.Request.Context(), c.Param("product_name"))
	h.respondProduct(c, p, err)
}

func (h *Handler) CreateProduct(c *gin.Context) {
	var in product.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		badJSON(c)
		return
	}
	p, err := h.Products.Create(c.Request.Context(), in)
	h.respondProduct(c, p, err)
}

func (h *Handler) UpdateProduct(c *gin.Context) {
	id, ok := idParam(c, "product_id")
	if !ok {
		return
	}
	var in product.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		badJSON(c)
		return
	}
	p, err := h.Products.Update(c.Request.Context(), id, in)
	h.respondProduct(c, p, err)
}

func (h *Handler) DeleteProduct(c *gin.Context) {
	id, ok := idParam(c, "product_id")
	if !ok {
		return
	}
	if err := h.Products.Delete(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	common.OKMsg(c, "product deleted", gin.H{"product_id": id})
}
