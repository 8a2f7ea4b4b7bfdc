package hardware

import (
	"math"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"camcap/internal/camera"
)

// videoFormat は v4l2-ctl --list-formats-ext の1フォーマット分
type videoFormat struct {
	FourCC      string
	Description string
	Sizes       []frameSize
}

type frameSize struct {
	Size camera.Size
	FPS  []int
}

var (
	formatLinePattern   = regexp.MustCompile(`^\[\d+\]:\s*'([^']+)'\s*(?:\((.*)\))?`)
	sizeLinePattern     = regexp.MustCompile(`^Size:\s*(\w+)\s+(.*)$`)
	dimensionPattern    = regexp.MustCompile(`(\d+)x(\d+)`)
	intervalLinePattern = regexp.MustCompile(`\(([\d.]+)\s*fps\)`)
	deviceNumberPattern = regexp.MustCompile(`video(\d+)$`)
)

// ffmpeg が yuv420p に変換できるカラーフォーマット
var colorFourCC = map[string]bool{
	"YUYV": true,
	"MJPG": true,
	"NV12": true,
	"YU12": true,
}

// 深度・グレースケール専用のフォーマット
var depthFourCC = map[string]bool{
	"Z16":  true,
	"GREY": true,
	"Y16":  true,
	"INVZ": true,
}

// parseFormats は v4l2-ctl --list-formats-ext の出力を解析する
func parseFormats(output string) []videoFormat {
	var formats []videoFormat
	var cur *videoFormat
	var size *frameSize

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)

		if m := formatLinePattern.FindStringSubmatch(line); m != nil {
			formats = append(formats, videoFormat{FourCC: strings.TrimSpace(m[1]), Description: m[2]})
			cur = &formats[len(formats)-1]
			size = nil
			continue
		}
		if cur == nil {
			continue
		}

		if m := sizeLinePattern.FindStringSubmatch(line); m != nil {
			dims := dimensionPattern.FindAllStringSubmatch(m[2], -1)
			if len(dims) == 0 {
				continue
			}
			// Stepwise / Continuous は最大サイズを採用する
			d := dims[len(dims)-1]
			if strings.EqualFold(m[1], "Discrete") {
				d = dims[0]
			}
			w, _ := strconv.Atoi(d[1])
			h, _ := strconv.Atoi(d[2])
			cur.Sizes = append(cur.Sizes, frameSize{Size: camera.Size{Width: w, Height: h}})
			size = &cur.Sizes[len(cur.Sizes)-1]
			continue
		}

		if size != nil && strings.HasPrefix(line, "Interval:") {
			if m := intervalLinePattern.FindStringSubmatch(line); m != nil {
				fps, err := strconv.ParseFloat(m[1], 64)
				if err == nil && fps > 0 {
					size.FPS = append(size.FPS, int(math.Round(fps)))
				}
			}
		}
	}
	return formats
}

// hasColorFormat はカラーフォーマットを1つでも持つかを返す
func hasColorFormat(formats []videoFormat) bool {
	for _, f := range formats {
		if colorFourCC[f.FourCC] {
			return true
		}
	}
	return false
}

// buildDescriptor はフォーマット一覧から CameraDescriptor を組み立てる
// 外付けカメラとして扱うため向きは external、センサー回転は 0 とする
func buildDescriptor(id string, formats []videoFormat) *camera.CameraDescriptor {
	desc := &camera.CameraDescriptor{
		ID:                id,
		Facing:            camera.FacingExternal,
		SensorOrientation: 0,
		OutputSizes:       map[camera.PixelFormat][]camera.Size{},
	}

	color := hasColorFormat(formats)
	depth := false
	seenSize := map[camera.Size]bool{}
	seenFPS := map[int]bool{}
	var sizes []camera.Size
	var fps []int

	for _, f := range formats {
		if depthFourCC[f.FourCC] {
			depth = true
		}
		// カラー出力がある場合はカラーフォーマットのサイズだけを使う
		if color && !colorFourCC[f.FourCC] {
			continue
		}
		for _, s := range f.Sizes {
			if !seenSize[s.Size] {
				seenSize[s.Size] = true
				sizes = append(sizes, s.Size)
			}
			for _, v := range s.FPS {
				if !seenFPS[v] {
					seenFPS[v] = true
					fps = append(fps, v)
				}
			}
		}
	}

	switch {
	case color:
		desc.Capabilities = []camera.Capability{camera.CapabilityBackwardCompatible}
		desc.OutputSizes[camera.PixelFormatYUV420] = sizes
	case depth:
		desc.Capabilities = []camera.Capability{camera.CapabilityDepthOutput}
	}

	sort.Ints(fps)
	for _, v := range fps {
		desc.FPSRanges = append(desc.FPSRanges, camera.FPSRange{Min: v, Max: v})
	}
	if len(desc.FPSRanges) == 0 {
		desc.FPSRanges = []camera.FPSRange{{Min: defaultFPS, Max: defaultFPS}}
	}
	return desc
}

// parseCardType は v4l2-ctl --info の出力から "Card type" を取り出す
func parseCardType(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Card type") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) == 2 {
			if name := strings.TrimSpace(parts[1]); name != "" {
				return name
			}
		}
	}
	return ""
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	m := deviceNumberPattern.FindStringSubmatch(filepath.Base(device))
	if len(m) < 2 {
		return -1
	}
	num, err := strconv.Atoi(m[1])
	if err != nil {
		return -1
	}
	return num
}
