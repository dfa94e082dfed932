package ocr

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"
	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/Tutortoise/plate-checkin-service/logger"
)

type detectTextAPI interface {
	DetectText(ctx context.Context, params *rekognition.DetectTextInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectTextOutput, error)
}

// Rekognition recognizes plate text with AWS Rekognition DetectText.
type Rekognition struct {
	client detectTextAPI
}

func NewRekognition(client *rekognition.Client) *Rekognition {
	return &Rekognition{client: client}
}

// NewRekognitionFromRegion loads the default AWS credential chain.
func NewRekognitionFromRegion(ctx context.Context, region string) (*Rekognition, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewRekognition(rekognition.NewFromConfig(cfg)), nil
}

// Recognize returns the LINE detections joined by newlines in the order
// Rekognition reports them, which is top to bottom.
func (r *Rekognition) Recognize(ctx context.Context, img image.Image) (string, error) {
	if r.client == nil {
		return "", fmt.Errorf("rekognition client is not initialized")
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return "", fmt.Errorf("encode crop: %w", err)
	}

	out, err := r.client.DetectText(ctx, &rekognition.DetectTextInput{
		Image: &types.Image{Bytes: buf.Bytes()},
	})
	if err != nil {
		return "", fmt.Errorf("rekognition detect text: %w", err)
	}

	lines := make([]string, 0, len(out.TextDetections))
	for _, td := range out.TextDetections {
		if td.Type != types.TextTypesLine {
			continue
		}
		text := aws.ToString(td.DetectedText)
		if text == "" {
			continue
		}
		lines = append(lines, text)
	}

	logger.For("ocr").Debug("rekognition detect text",
		zap.Int("detections", len(out.TextDetections)),
		zap.Int("lines", len(lines)))

	return strings.Join(lines, "\n"), nil
}
