package instacart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/alexacart/backend/internal/domain"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

const maxResults = 12

// Config holds browser settings for the storefront driver
type Config struct {
	BaseURL string
	// Store is the retailer slug searches are scoped to
	Store    string
	Headless bool
	// Bin is the browser executable; empty lets the launcher find or fetch one
	Bin string
	// UserDataDir keeps the logged-in profile between runs
	UserDataDir       string
	NavigationTimeout time.Duration
}

// Driver searches the storefront and adds products to the cart through a
// controlled browser. Each call works in its own tab so searches can run
// concurrently.
type Driver struct {
	config Config
	logger *zap.Logger

	mu      sync.Mutex
	browser *rod.Browser
}

// NewDriver creates a driver; the browser starts on first use
func NewDriver(config Config, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://www.instacart.com"
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.NavigationTimeout == 0 {
		config.NavigationTimeout = 30 * time.Second
	}
	return &Driver{config: config, logger: logger.Named("instacart")}
}

// Start launches and connects the browser if it is not running
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browser != nil {
		return nil
	}

	l := launcher.New().Headless(d.config.Headless)
	if d.config.Bin != "" {
		l = l.Bin(d.config.Bin)
	}
	if d.config.UserDataDir != "" {
		l = l.UserDataDir(d.config.UserDataDir)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to browser: %w", err)
	}
	d.browser = browser
	d.logger.Info("Browser started", zap.Bool("headless", d.config.Headless))
	return nil
}

// Close shuts the browser down
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browser == nil {
		return nil
	}
	err := d.browser.Close()
	d.browser = nil
	return err
}

// open starts the browser when needed and navigates a fresh tab to target
func (d *Driver) open(ctx context.Context, target string) (*rod.Page, error) {
	if err := d.Start(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	browser := d.browser
	d.mu.Unlock()
	if browser == nil {
		return nil, errors.New("browser closed")
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("open tab: %w", err)
	}
	page = page.Context(ctx).Timeout(d.config.NavigationTimeout)

	if err := page.Navigate(target); err != nil {
		page.Close()
		return nil, fmt.Errorf("navigate to %s: %w", target, err)
	}
	if err := page.WaitLoad(); err != nil {
		page.Close()
		return nil, fmt.Errorf("load %s: %w", target, err)
	}

	info, err := page.Info()
	if err == nil && isLoginURL(info.URL) {
		page.Close()
		return nil, fmt.Errorf("%w: storefront redirected to login", domain.ErrAuthentication)
	}
	return page, nil
}

func isLoginURL(u string) bool {
	return strings.Contains(u, "/login") || strings.Contains(u, "/signin")
}

// searchURL builds the store-scoped search page address
func searchURL(base, store, query string) string {
	slug := strings.ToLower(strings.TrimSpace(store))
	slug = strings.ReplaceAll(slug, " ", "-")
	return fmt.Sprintf("%s/store/%s/search/%s", base, url.PathEscape(slug), url.PathEscape(strings.TrimSpace(query)))
}

// extractJS collects the product cards of a search results page
const extractJS = `() => {
	const cards = document.querySelectorAll('[data-testid="item_list_item"], li[data-testid*="item"], div[aria-label="Product"]');
	const out = [];
	cards.forEach((card) => {
		const link = card.querySelector('a[href*="/products/"]');
		const name = card.querySelector('[data-testid="item-name"], h2, h3, span[class*="name"]');
		const price = card.querySelector('[data-testid="item-price"], [class*="price"]');
		const img = card.querySelector('img');
		const brand = card.querySelector('[data-testid="item-brand"]');
		const text = (card.innerText || '').toLowerCase();
		out.push({
			name: name ? name.innerText.trim() : (img ? img.alt : ''),
			brand: brand ? brand.innerText.trim() : '',
			price: price ? price.innerText.trim().split('\n')[0] : '',
			image: img ? img.src : '',
			href: link ? link.getAttribute('href') : '',
			itemId: card.getAttribute('data-item-id') || '',
			outOfStock: text.includes('out of stock') || text.includes('unavailable'),
		});
	});
	return JSON.stringify(out);
}`

// rawProduct is one card as scraped from the page
type rawProduct struct {
	Name       string `json:"name"`
	Brand      string `json:"brand"`
	Price      string `json:"price"`
	Image      string `json:"image"`
	Href       string `json:"href"`
	ItemID     string `json:"itemId"`
	OutOfStock bool   `json:"outOfStock"`
}

// Search returns the store's results for query, in page order
func (d *Driver) Search(ctx context.Context, query string) ([]domain.Product, error) {
	target := searchURL(d.config.BaseURL, d.config.Store, query)
	page, err := d.open(ctx, target)
	if err != nil {
		return nil, err
	}
	defer page.Close()

	// results render after the initial load
	if _, err := page.Element(`a[href*="/products/"]`); err != nil {
		return nil, fmt.Errorf("wait for results of %q: %w", query, err)
	}

	res, err := page.Evaluate(&rod.EvalOptions{JS: extractJS, ByValue: true})
	if err != nil {
		return nil, fmt.Errorf("extract results of %q: %w", query, err)
	}
	var raw []rawProduct
	if err := json.Unmarshal([]byte(res.Value.Str()), &raw); err != nil {
		return nil, fmt.Errorf("decode results of %q: %w", query, err)
	}

	products := mapProducts(raw, d.config.BaseURL)
	d.logger.Debug("Search finished",
		zap.String("query", query),
		zap.Int("cards", len(raw)),
		zap.Int("products", len(products)))
	return products, nil
}

// mapProducts converts scraped cards into products, dropping cards without a
// name or link and repeated links
func mapProducts(raw []rawProduct, base string) []domain.Product {
	baseURL, _ := url.Parse(base)
	seen := make(map[string]bool)
	products := make([]domain.Product, 0, len(raw))

	for _, r := range raw {
		name := strings.TrimSpace(r.Name)
		href := strings.TrimSpace(r.Href)
		if name == "" || href == "" {
			continue
		}
		link, err := url.Parse(href)
		if err != nil {
			continue
		}
		if baseURL != nil {
			link = baseURL.ResolveReference(link)
		}
		link.RawQuery = ""
		link.Fragment = ""
		productURL := link.String()

		key := domain.ProductKey(productURL)
		if seen[key] {
			continue
		}
		seen[key] = true

		products = append(products, domain.Product{
			Name:     name,
			Price:    strings.TrimSpace(r.Price),
			ImageURL: r.Image,
			URL:      productURL,
			Brand:    strings.TrimSpace(r.Brand),
			ItemID:   r.ItemID,
			InStock:  !r.OutOfStock,
		})
		if len(products) == maxResults {
			break
		}
	}
	return products
}

// AddToCart opens the product page and presses its add button
func (d *Driver) AddToCart(ctx context.Context, productURL string) error {
	page, err := d.open(ctx, productURL)
	if err != nil {
		return err
	}
	defer page.Close()

	button, err := page.ElementR("button", `/^\s*add( to cart)?\s*$/i`)
	if err != nil {
		return fmt.Errorf("no add button on %s: %w", productURL, err)
	}
	if err := button.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click add on %s: %w", productURL, err)
	}

	// the button turns into a quantity stepper once the cart accepts the item
	if _, err := page.ElementR("button, [role=button]", `/remove|decrement|in cart|quantity/i`); err != nil {
		return fmt.Errorf("cart did not confirm %s: %w", productURL, err)
	}
	d.logger.Info("Added to cart", zap.String("url", productURL))
	return nil
}
