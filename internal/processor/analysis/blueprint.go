package analysis

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/language"
)

// Blueprint is the normalized analysis result stored in result_data.
type Blueprint struct {
	Language       string      `json:"language"`
	ProductSummary string      `json:"product_summary,omitempty"`
	DesignSpecs    string      `json:"design_specs"`
	ImagePlans     []ImagePlan `json:"image_plans"`
}

// ImagePlan describes one image the user can generate next.
type ImagePlan struct {
	Title         string `json:"title"`
	Description   string `json:"description"`
	DesignContent string `json:"design_content"`
}

type fallbackText struct {
	planTitle     string
	description   string
	designContent string
	designSpecs   string
}

var fallbacks = map[string]fallbackText{
	"en": {
		planTitle:     "Image plan %d",
		description:   "A clean commercial shot that highlights the product.",
		designContent: "Center the product on a simple background with soft, even studio lighting.",
		designSpecs:   "Color palette: neutral tones that match the product. Lighting: soft studio light. Composition: product centered with generous margins.",
	},
	"zh": {
		planTitle:     "图片方案 %d",
		description:   "突出产品的简洁商业图片。",
		designContent: "产品居中，背景简洁，使用柔和均匀的棚拍光线。",
		designSpecs:   "色彩：与产品协调的中性色调。光线：柔和棚拍光。构图：产品居中并保留留白。",
	},
	"ko": {
		planTitle:     "이미지 플랜 %d",
		description:   "제품을 돋보이게 하는 깔끔한 상업용 이미지.",
		designContent: "단순한 배경 위 중앙에 제품을 배치하고 부드러운 스튜디오 조명을 사용합니다.",
		designSpecs:   "색상: 제품과 어울리는 중립 톤. 조명: 부드러운 스튜디오 조명. 구도: 여백을 둔 중앙 배치.",
	},
	"ja": {
		planTitle:     "画像プラン %d",
		description:   "商品を引き立てるシンプルな商用写真。",
		designContent: "シンプルな背景の中央に商品を配置し、柔らかく均一なスタジオ照明を使います。",
		designSpecs:   "配色：商品に合うニュートラルトーン。照明：柔らかなスタジオ光。構図：余白を持たせた中央配置。",
	},
	"id": {
		planTitle:     "Rencana gambar %d",
		description:   "Foto komersial bersih yang menonjolkan produk.",
		designContent: "Letakkan produk di tengah dengan latar sederhana dan pencahayaan studio yang lembut.",
		designSpecs:   "Palet warna: nada netral yang serasi dengan produk. Pencahayaan: lampu studio lembut. Komposisi: produk di tengah dengan ruang kosong yang cukup.",
	},
}

var (
	supportedTags = []language.Tag{
		language.English,
		language.Chinese,
		language.Korean,
		language.Japanese,
		language.Indonesian,
	}
	supportedCodes = []string{"en", "zh", "ko", "ja", "id"}
	matcher        = language.NewMatcher(supportedTags)
)

// ResolveLanguage maps a requested output language to a supported one,
// falling back to English.
func ResolveLanguage(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return "en"
	}
	tag, err := language.Parse(strings.ReplaceAll(code, "_", "-"))
	if err != nil {
		return "en"
	}
	_, idx, conf := matcher.Match(tag)
	if conf == language.No {
		return "en"
	}
	return supportedCodes[idx]
}

var fencedBlock = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")

// ParseJSON decodes a model response into a JSON object. It tries the raw
// text, then a fenced code block, then the outermost brace span.
func ParseJSON(raw string) (map[string]any, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, errors.New("analysis: empty model response")
	}
	candidates := []string{text}
	if m := fencedBlock.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		candidates = append(candidates, text[start:end+1])
	}
	for _, c := range candidates {
		var out map[string]any
		dec := json.NewDecoder(bytes.NewReader([]byte(c)))
		dec.UseNumber()
		if err := dec.Decode(&out); err == nil && out != nil {
			return out, nil
		}
	}
	return nil, errors.New("analysis: model response is not a JSON object")
}

// Normalize turns a parsed model response into a blueprint with exactly
// count plans. Missing fields get language-aware fallbacks.
func Normalize(parsed map[string]any, lang string, count int) Blueprint {
	lang = ResolveLanguage(lang)
	fb := fallbacks[lang]
	if count < 1 {
		count = 1
	}

	bp := Blueprint{
		Language:       lang,
		ProductSummary: stringField(parsed, "product_summary", "productSummary", "summary"),
		DesignSpecs:    designSpecs(parsed),
	}
	if bp.DesignSpecs == "" {
		bp.DesignSpecs = fb.designSpecs
	}

	raw, _ := firstPresent(parsed, "image_plans", "imagePlans", "plans").([]any)
	for _, item := range raw {
		if len(bp.ImagePlans) == count {
			break
		}
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		n := len(bp.ImagePlans) + 1
		bp.ImagePlans = append(bp.ImagePlans, ImagePlan{
			Title:         orDefault(stringField(obj, "title", "name"), fmt.Sprintf(fb.planTitle, n)),
			Description:   orDefault(stringField(obj, "description", "desc"), fb.description),
			DesignContent: orDefault(stringField(obj, "design_content", "designContent", "content"), fb.designContent),
		})
	}

	if len(bp.ImagePlans) == 0 {
		bp.ImagePlans = append(bp.ImagePlans, ImagePlan{
			Title:         fmt.Sprintf(fb.planTitle, 1),
			Description:   fb.description,
			DesignContent: fb.designContent,
		})
	}
	last := bp.ImagePlans[len(bp.ImagePlans)-1]
	for k := len(bp.ImagePlans) + 1; k <= count; k++ {
		clone := last
		clone.Title = fmt.Sprintf("%s #%d", last.Title, k)
		bp.ImagePlans = append(bp.ImagePlans, clone)
	}
	return bp
}

// designSpecs accepts a string or an object of named specs.
func designSpecs(parsed map[string]any) string {
	switch v := firstPresent(parsed, "design_specs", "designSpecs").(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var lines []string
		for _, k := range keys {
			if s := scalarString(v[k]); s != "" {
				lines = append(lines, k+": "+s)
			}
		}
		return strings.Join(lines, "\n")
	}
	return ""
}

func firstPresent(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := scalarString(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := scalarString(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	}
	return ""
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
