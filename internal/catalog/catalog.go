// Package catalog содержит каталог плагинов, установщики по платформам,
// семейства лицензий, состав бандлов и список кодов скидок.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mmeshcher/plugin-storefront/internal/model"
)

//go:embed catalog.yaml
var defaultCatalog []byte

var (
	// ErrUnknownProduct возвращается, если идентификатор отсутствует в каталоге.
	ErrUnknownProduct = errors.New("unknown product")
	// ErrUnknownDiscount возвращается для кода скидки вне списка.
	ErrUnknownDiscount = errors.New("unknown discount code")
)

// License описывает лицензию, которую требует продукт.
type License struct {
	Family string `yaml:"family"`
	// IssueOnPurchase: выпускать ключ при оплате, а не при первом обращении клиента.
	IssueOnPurchase bool `yaml:"issue_on_purchase"`
}

// Product описывает один плагин.
type Product struct {
	ID      string                    `yaml:"id"`
	Name    string                    `yaml:"name"`
	Files   map[model.Platform]string `yaml:"files"`
	License *License                  `yaml:"license"`
}

// Bundle описывает набор продуктов, продаваемый одной позицией.
type Bundle struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Includes []string `yaml:"includes"`
}

// Discount описывает фиксированную процентную скидку.
type Discount struct {
	Code    string `yaml:"code"`
	Percent int    `yaml:"percent"`
}

type document struct {
	ReleaseBaseURL string     `yaml:"release_base_url"`
	Products       []Product  `yaml:"products"`
	Bundles        []Bundle   `yaml:"bundles"`
	Discounts      []Discount `yaml:"discounts"`
}

// Catalog предоставляет доступ к продуктам только для чтения.
type Catalog struct {
	releaseBaseURL string
	products       []Product
	byID           map[string]*Product
	bundles        map[string]Bundle
	discounts      map[string]int
}

// Default загружает встроенный каталог.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Parse разбирает каталог в формате YAML и проверяет его целостность.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	c := &Catalog{
		releaseBaseURL: strings.TrimRight(doc.ReleaseBaseURL, "/"),
		products:       doc.Products,
		byID:           make(map[string]*Product, len(doc.Products)),
		bundles:        make(map[string]Bundle, len(doc.Bundles)),
		discounts:      make(map[string]int, len(doc.Discounts)),
	}

	families := make(map[string]string)
	for i := range c.products {
		p := &c.products[i]
		if p.ID == "" || p.Name == "" {
			return nil, fmt.Errorf("product %d: id and name are required", i)
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("product %s: duplicate id", p.ID)
		}
		for _, platform := range model.Platforms {
			if p.Files[platform] == "" {
				return nil, fmt.Errorf("product %s: no %s installer", p.ID, platform)
			}
		}
		if p.License != nil {
			if other, ok := families[p.License.Family]; ok {
				return nil, fmt.Errorf("product %s: license family %s already used by %s", p.ID, p.License.Family, other)
			}
			families[p.License.Family] = p.ID
		}
		c.byID[p.ID] = p
	}

	for _, b := range doc.Bundles {
		if _, clash := c.byID[b.ID]; clash {
			return nil, fmt.Errorf("bundle %s: id clashes with a product", b.ID)
		}
		for _, id := range b.Includes {
			if _, ok := c.byID[id]; !ok {
				return nil, fmt.Errorf("bundle %s: %w: %s", b.ID, ErrUnknownProduct, id)
			}
		}
		c.bundles[b.ID] = b
	}

	for _, d := range doc.Discounts {
		if d.Percent <= 0 || d.Percent > 100 {
			return nil, fmt.Errorf("discount %s: percent out of range", d.Code)
		}
		c.discounts[strings.ToUpper(d.Code)] = d.Percent
	}

	return c, nil
}

// Products возвращает продукты в порядке каталога.
func (c *Catalog) Products() []Product {
	out := make([]Product, len(c.products))
	copy(out, c.products)
	return out
}

// Product возвращает продукт по идентификатору.
func (c *Catalog) Product(id string) (Product, bool) {
	p, ok := c.byID[id]
	if !ok {
		return Product{}, false
	}
	return *p, true
}

// Name возвращает отображаемое название продукта или бандла.
func (c *Catalog) Name(id string) (string, bool) {
	if p, ok := c.byID[id]; ok {
		return p.Name, true
	}
	if b, ok := c.bundles[id]; ok {
		return b.Name, true
	}
	return "", false
}

// Resolve превращает идентификаторы корзины в позиции заказа: бандлы раскрываются
// в состав, повторы схлопываются, порядок первого появления сохраняется.
func (c *Catalog) Resolve(ids []string) (model.LineItems, error) {
	items := make(model.LineItems, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))

	add := func(p *Product) {
		if _, ok := seen[p.ID]; ok {
			return
		}
		seen[p.ID] = struct{}{}
		items = append(items, model.LineItem{ID: p.ID, Name: p.Name})
	}

	for _, id := range ids {
		if b, ok := c.bundles[id]; ok {
			for _, pid := range b.Includes {
				add(c.byID[pid])
			}
			continue
		}
		p, ok := c.byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProduct, id)
		}
		add(p)
	}

	return items, nil
}

// DiscountPercent возвращает процент скидки для кода без учёта регистра.
func (c *Catalog) DiscountPercent(code string) (int, error) {
	pct, ok := c.discounts[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownDiscount, code)
	}
	return pct, nil
}

// PurchaseLicenses возвращает семейства лицензий, выпускаемые при оплате позиций.
func (c *Catalog) PurchaseLicenses(items model.LineItems) []string {
	var families []string
	for _, it := range items {
		p, ok := c.byID[it.ID]
		if !ok || p.License == nil || !p.License.IssueOnPurchase {
			continue
		}
		families = append(families, p.License.Family)
	}
	return families
}

// DeferredLicenses возвращает семейства, ключи которых выдаются позже по запросу клиента.
func (c *Catalog) DeferredLicenses(items model.LineItems) []string {
	var families []string
	for _, it := range items {
		p, ok := c.byID[it.ID]
		if !ok || p.License == nil || p.License.IssueOnPurchase {
			continue
		}
		families = append(families, p.License.Family)
	}
	return families
}

// LicenseProduct возвращает продукт, к которому относится семейство лицензий.
func (c *Catalog) LicenseProduct(family string) (Product, bool) {
	for _, p := range c.products {
		if p.License != nil && p.License.Family == family {
			return p, true
		}
	}
	return Product{}, false
}

// Families возвращает все семейства лицензий каталога.
func (c *Catalog) Families() []string {
	var out []string
	for _, p := range c.products {
		if p.License != nil {
			out = append(out, p.License.Family)
		}
	}
	return out
}

// FileName возвращает имя установщика продукта для платформы.
func (c *Catalog) FileName(productID string, platform model.Platform) (string, bool) {
	p, ok := c.byID[productID]
	if !ok {
		return "", false
	}
	name, ok := p.Files[platform]
	return name, ok
}

// ReleaseURL возвращает публичный адрес установщика в релизах.
func (c *Catalog) ReleaseURL(fileName string) string {
	return c.releaseBaseURL + "/" + fileName
}
