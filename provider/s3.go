package provider

import (
	"context"
	stderrors "errors"
	"io"
	"path"
	"strings"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/sectorcache/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config is the configuration of an S3 compatible sector bucket.
type S3Config struct {
	Endpoint        string `cli:",hidden" env:"SECTORD_S3_ENDPOINT"          help:"S3 endpoint. Empty to use AWS."`
	Region          string `cli:",hidden" env:"SECTORD_S3_REGION"            help:"S3 region."`
	Bucket          string `cli:",hidden" env:"SECTORD_S3_BUCKET"            help:"The bucket where sectors are stored."`
	Prefix          string `cli:",hidden" env:"SECTORD_S3_PREFIX"            help:"The key prefix of the sectors."`
	AccessKeyID     string `cli:",hidden" env:"SECTORD_S3_ACCESS_KEY_ID"     help:"S3 access key id."`
	SecretAccessKey string `cli:",hidden" env:"SECTORD_S3_SECRET_ACCESS_KEY" help:"S3 secret access key."`
	UsePathStyle    bool   `cli:",hidden" env:"SECTORD_S3_USE_PATH_STYLE"    help:"Use path style addressing (MinIO)."`
}

// s3API is the subset of the S3 client used by S3Provider.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Provider fetches sectors and metadata from an S3 bucket, with objects
// keyed {prefix}/{blob id}/{sector path}.
type S3Provider struct {
	client s3API
	bucket string
	prefix string
}

func NewS3Provider(ctx context.Context, conf S3Config) (*S3Provider, error) {
	if conf.Bucket == "" {
		return nil, errors.New("empty s3 bucket")
	}

	region := conf.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if conf.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			conf.AccessKeyID,
			conf.SecretAccessKey,
			"",
		)))
	}

	awsConf, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.New("loading aws config failed").Wrap(err)
	}

	client := s3.NewFromConfig(awsConf, func(o *s3.Options) {
		if conf.Endpoint != "" {
			o.BaseEndpoint = aws.String(conf.Endpoint)
		}
		o.UsePathStyle = conf.UsePathStyle
	})

	return newS3Provider(client, conf.Bucket, conf.Prefix), nil
}

func newS3Provider(client s3API, bucket, prefix string) *S3Provider {
	return &S3Provider{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

func (p *S3Provider) GetCadSectorFile(ctx context.Context, blobID, sectorPath string) ([]byte, error) {
	return p.get(ctx, blobID, sectorPath)
}

func (p *S3Provider) LoadData(ctx context.Context, modelID string) (models.SceneMetadata, error) {
	b, err := p.get(ctx, modelID, MetadataFile)
	if err != nil {
		return models.SceneMetadata{}, err
	}
	return DecodeMetadata(modelID, b)
}

func (p *S3Provider) get(ctx context.Context, blobID, sectorPath string) ([]byte, error) {
	key := path.Join(p.prefix, blobID, sectorPath)

	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if stderrors.As(err, &noSuchKey) {
			return nil, newNotFoundError(blobID, sectorPath)
		}
		return nil, newNetworkError("getting sector object failed", blobID, sectorPath, err)
	}
	defer out.Body.Close()

	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, newNetworkError("reading sector object failed", blobID, sectorPath, err)
	}
	return b, nil
}
