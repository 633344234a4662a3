package adapters

// wooCommerceCards covers the product grid shared by most WooCommerce seed
// shops. Sites override only what differs.
var wooCommerceCards = Selectors{
	ProductCard: "li.product.type-product",
	Link:        "h3.prod_titles a",
	Image:       "figure.main_img img",
	StrainType:  ".itype .elementor-icon-list-text",
	THC:         ".thc-lvl",
	CBD:         ".cbd-lvl",
	Rating:      ".star-rating strong.rating",
	ReviewCount: ".star-rating",

	PackOption:    "input.product_variation_radio",
	PackSizeAttr:  "value",
	PackPriceAttr: "item-price",

	NextPage:  "a.next.page-numbers",
	PageLinks: "a.page-numbers:not(.next):not(.prev)",
}

func BuiltinSites() []SiteConfig {
	beaver := wooCommerceCards
	beaver.NextPage = ".jet-filters-pagination__item.prev-next.next a"
	beaver.PageLinks = ".jet-filters-pagination__item[data-value]:not(.prev-next)"

	sunwest := wooCommerceCards
	sunwest.ProductCard = "div.product-grid-item"
	sunwest.Link = "a.product-title-link"
	sunwest.Image = "img.product-image"
	sunwest.PackOption = "select.pack-size option[data-price]"
	sunwest.PackSizeAttr = ""
	sunwest.PackPriceAttr = "data-price"

	truenorth := Selectors{
		ProductCard: "li.product-item",
		Link:        "a.product-item-link",
		Image:       "img.product-image-photo",
		StrainType:  ".product-attribute-strain",
		SeedType:    ".product-attribute-seed-type",
		THC:         ".product-attribute-thc",
		CBD:         ".product-attribute-cbd",
		Rating:      ".rating-result",
		ReviewCount: ".reviews-actions a",
		PackOption:  ".pack-option",
		NextPage:    "a.action.next",
		PageLinks:   ".pages-items a.page span:last-child",
	}

	return []SiteConfig{
		{Name: "vancouverseedbank", Selectors: wooCommerceCards},
		{Name: "beaverseed", Selectors: beaver},
		{Name: "sunwestgenetics", Selectors: sunwest},
		{Name: "truenorthseedbank", PageParam: "p", Selectors: truenorth},
		{Name: "cropkingseeds", Browser: true, Selectors: wooCommerceCards},
	}
}
