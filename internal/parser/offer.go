package parser

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/offerlens/amazon-offer-scraper/internal/models"
)

// OfferParser extracts offer data from rendered product pages. It is pure:
// same HTML in, same record out, no I/O and no clock reads.
type OfferParser struct {
	ratingPattern      *regexp.Regexp
	ratingLoosePattern *regexp.Regexp
	reviewPattern      *regexp.Regexp
	listPricePattern   *regexp.Regexp
	limitedPattern     *regexp.Regexp
}

func NewOfferParser() *OfferParser {
	return &OfferParser{
		ratingPattern:      regexp.MustCompile(`(\d+(?:\.\d+)?)\s+out\s+of\s+5`),
		ratingLoosePattern: regexp.MustCompile(`(\d+\.?\d*)`),
		reviewPattern:      regexp.MustCompile(`([\d,]+)`),
		listPricePattern:   regexp.MustCompile(`List Price:\s*\$?(\d[\d,]*(?:\.\d{1,2})?)`),
		limitedPattern:     regexp.MustCompile(`(?i)only\s+\d+\s+left`),
	}
}

// ParseProductPage extracts a ProductRecord from the page HTML. The second
// return value lists expected fields the page did not provide; a non-empty
// list downgrades the unit to a partial result. An error means the HTML is
// not a product page at all.
func (p *OfferParser) ParseProductPage(html string, asin string) (*models.ProductRecord, []string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	title := p.extractTitle(doc)
	if title == "" {
		return nil, nil, fmt.Errorf("no product title found for %s", asin)
	}

	record := models.NewProductRecord(asin)
	record.Title = title
	record.Description = p.extractDescription(doc)
	record.Brand = p.extractBrand(doc)
	record.StoreName = p.extractStoreName(doc)
	record.Availability = p.extractAvailability(doc)
	record.Rating = p.extractRating(doc)
	record.ReviewCount = p.extractReviewCount(doc)
	record.ListPrice = p.extractListPrice(doc)
	record.ShipsFrom = p.extractBuyboxField(doc, "Ships from")
	record.SoldBy = p.extractBuyboxField(doc, "Sold by")
	record.CouponInfo = p.extractCoupon(doc)
	record.ImageURLs = p.extractImages(doc)

	// Pages for unavailable offers keep stale price markup around, so the
	// selling price only counts when the offer is purchasable.
	if record.Purchasable() {
		record.SellingPrice = p.extractSellingPrice(doc)
	}

	if record.ListPrice != nil || record.SellingPrice != nil {
		record.Currency = "USD"
	}
	if record.ListPrice != nil && record.SellingPrice != nil && *record.ListPrice > 0 {
		pct := math.Round((*record.ListPrice-*record.SellingPrice)/(*record.ListPrice)*1000) / 10
		record.DiscountPct = &pct
	}

	var missing []string
	if record.Rating == nil {
		missing = append(missing, "rating")
	}
	if record.ReviewCount == nil {
		missing = append(missing, "review_count")
	}
	if record.Purchasable() && record.SellingPrice == nil {
		missing = append(missing, "selling_price")
	}

	return record, missing, nil
}

// IsBlockPage reports whether the HTML is a captcha or robot-check
// interstitial instead of product content.
func (p *OfferParser) IsBlockPage(html string) bool {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false
	}

	if doc.Find("#captchacharacters").Length() > 0 {
		return true
	}
	if doc.Find("form[action*='validateCaptcha']").Length() > 0 {
		return true
	}

	title := strings.TrimSpace(doc.Find("title").Text())
	if strings.Contains(title, "Robot Check") || strings.Contains(title, "Sorry!") {
		return true
	}

	return strings.Contains(html, "Enter the characters you see below")
}

func (p *OfferParser) extractTitle(doc *goquery.Document) string {
	selectors := []string{"#productTitle", ".product-title", "h1.a-size-large"}
	for _, selector := range selectors {
		if text := strings.TrimSpace(doc.Find(selector).First().Text()); text != "" {
			return text
		}
	}
	return ""
}

func (p *OfferParser) extractDescription(doc *goquery.Document) string {
	return strings.TrimSpace(doc.Find("#productDescription p").First().Text())
}

func (p *OfferParser) extractBrand(doc *goquery.Document) string {
	selectors := []string{"#bylineInfo", ".po-brand .po-break-word"}
	for _, selector := range selectors {
		text := strings.TrimSpace(doc.Find(selector).First().Text())
		if text == "" {
			continue
		}
		text = strings.TrimPrefix(text, "Brand: ")
		text = strings.TrimPrefix(text, "Visit the ")
		text = strings.TrimSuffix(text, " Store")
		return strings.TrimSpace(text)
	}
	return ""
}

// extractStoreName returns the byline text only when it links to a brand
// store, which distinguishes a storefront from a plain brand label.
func (p *OfferParser) extractStoreName(doc *goquery.Document) string {
	byline := doc.Find("#bylineInfo").First()
	if byline.Length() == 0 {
		return ""
	}
	href, ok := byline.Attr("href")
	if !ok || !strings.Contains(href, "/stores/") {
		return ""
	}
	text := strings.TrimSpace(byline.Text())
	text = strings.TrimPrefix(text, "Brand: ")
	text = strings.TrimPrefix(text, "Visit the ")
	text = strings.TrimSuffix(text, " Store")
	return strings.TrimSpace(text)
}

func (p *OfferParser) extractAvailability(doc *goquery.Document) models.Availability {
	selectors := []string{
		"#availability span.a-size-medium.a-color-success",
		"#availability span",
	}

	for _, selector := range selectors {
		element := doc.Find(selector).First()
		if element.Length() == 0 {
			continue
		}
		text := strings.TrimSpace(element.Text())
		if text == "" {
			return models.AvailabilityUnknown
		}
		if p.limitedPattern.MatchString(text) {
			return models.AvailabilityLimitedStock
		}
		lower := strings.ToLower(text)
		if strings.Contains(text, "Currently unavailable") || strings.Contains(text, "cannot be shipped") ||
			strings.Contains(lower, "out of stock") {
			return models.AvailabilityOutOfStock
		}
		if strings.Contains(lower, "in stock") {
			return models.AvailabilityInStock
		}
		return models.AvailabilityUnknown
	}

	return models.AvailabilityUnknown
}

func (p *OfferParser) extractRating(doc *goquery.Document) *float64 {
	selectors := []string{"span.a-icon-alt", `[data-hook="average-star-rating"] .a-icon-alt`}
	for _, selector := range selectors {
		text := doc.Find(selector).First().Text()
		if text == "" {
			continue
		}
		match := p.ratingPattern.FindStringSubmatch(text)
		if match == nil {
			match = p.ratingLoosePattern.FindStringSubmatch(text)
		}
		if len(match) > 1 {
			if value, err := strconv.ParseFloat(match[1], 64); err == nil && value >= 0 && value <= 5 {
				return &value
			}
		}
	}
	return nil
}

func (p *OfferParser) extractReviewCount(doc *goquery.Document) *int {
	selectors := []string{"#acrCustomerReviewText", `[data-hook="total-review-count"]`}
	for _, selector := range selectors {
		text := doc.Find(selector).First().Text()
		if text == "" {
			continue
		}
		match := p.reviewPattern.FindStringSubmatch(text)
		if len(match) > 1 {
			raw := strings.ReplaceAll(match[1], ",", "")
			if count, err := strconv.Atoi(raw); err == nil {
				return &count
			}
		}
	}
	return nil
}

func (p *OfferParser) extractSellingPrice(doc *goquery.Document) *float64 {
	whole := doc.Find(".a-price .a-price-whole").First()
	if whole.Length() > 0 {
		wholeText := strings.TrimSpace(whole.Text())
		wholeText = strings.ReplaceAll(wholeText, ",", "")
		wholeText = strings.ReplaceAll(wholeText, ".", "")
		fraction := strings.TrimSpace(doc.Find(".a-price .a-price-fraction").First().Text())
		if fraction == "" {
			fraction = "00"
		}
		if value, err := strconv.ParseFloat(wholeText+"."+fraction, 64); err == nil && value > 0 {
			return &value
		}
	}

	offscreen := strings.TrimSpace(doc.Find("#corePrice_feature_div .a-price .a-offscreen").First().Text())
	if offscreen != "" {
		offscreen = strings.ReplaceAll(offscreen, "$", "")
		offscreen = strings.ReplaceAll(offscreen, ",", "")
		if value, err := strconv.ParseFloat(offscreen, 64); err == nil && value > 0 {
			return &value
		}
	}

	return nil
}

func (p *OfferParser) extractListPrice(doc *goquery.Document) *float64 {
	match := p.listPricePattern.FindStringSubmatch(doc.Text())
	if len(match) > 1 {
		raw := strings.ReplaceAll(match[1], ",", "")
		if value, err := strconv.ParseFloat(raw, 64); err == nil && value > 0 {
			return &value
		}
	}
	return nil
}

// extractBuyboxField resolves labelled buybox rows like "Ships from" and
// "Sold by", first via the tabular buybox attribute, then by walking from
// the label span to its value span.
func (p *OfferParser) extractBuyboxField(doc *goquery.Document, label string) string {
	selector := fmt.Sprintf(`#tabular-buybox .tabular-buybox-text[tabular-attribute-name=%q] .tabular-buybox-text-message`, label)
	if text := strings.TrimSpace(doc.Find(selector).First().Text()); text != "" {
		return text
	}

	var value string
	doc.Find("span").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.TrimSpace(s.Text()) != label {
			return true
		}
		if v := s.NextAllFiltered("span.a-size-small").First(); v.Length() > 0 {
			value = strings.TrimSpace(v.Text())
			return false
		}
		if v := s.Parent().NextAll().Find("span.a-size-small").First(); v.Length() > 0 {
			value = strings.TrimSpace(v.Text())
			return false
		}
		return true
	})
	return value
}

func (p *OfferParser) extractCoupon(doc *goquery.Document) string {
	selectors := []string{".promoPriceBlockMessage", ".couponText", ".couponLabelText"}
	for _, selector := range selectors {
		element := doc.Find(selector).First()
		if element.Length() > 0 {
			fields := strings.Fields(element.Text())
			if len(fields) > 0 {
				return strings.Join(fields, " ")
			}
		}
	}
	return ""
}

func (p *OfferParser) extractImages(doc *goquery.Document) []string {
	var images []string

	doc.Find("#altImages ul li img").Each(func(_ int, s *goquery.Selection) {
		if src, exists := s.Attr("src"); exists && src != "" {
			full := strings.Replace(src, "_AC_US40_", "_AC_SL1500_", 1)
			full = strings.Replace(full, "_AC_SR38,50_", "_AC_SL1500_", 1)
			images = append(images, full)
		}
	})

	if len(images) > 0 {
		return images
	}

	selectors := []string{"#landingImage", "#imgTagWrapperId img", ".a-dynamic-image"}
	for _, selector := range selectors {
		element := doc.Find(selector).First()
		if element.Length() == 0 {
			continue
		}
		src, ok := element.Attr("src")
		if !ok || src == "" {
			src, _ = element.Attr("data-src")
		}
		if src != "" {
			return []string{src}
		}
	}

	return nil
}
