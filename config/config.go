// Copyright 2020 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/juju/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "CATEGORIZER"

// Config is the configuration for the classifier.
type Config struct {
	Data    DataConfig    `mapstructure:"data"`
	Model   ModelConfig   `mapstructure:"model"`
	Train   TrainConfig   `mapstructure:"train"`
	Predict PredictConfig `mapstructure:"predict"`
	Storage StorageConfig `mapstructure:"storage"`
}

// DataConfig locates the data roots whose pid columns define the output order.
type DataConfig struct {
	TrainDataList []string `mapstructure:"train_data_list" validate:"dive,required"`
	DevDataList   []string `mapstructure:"dev_data_list" validate:"dive,required"`
	TestDataList  []string `mapstructure:"test_data_list" validate:"dive,required"`
	Taxonomy      string   `mapstructure:"taxonomy"`
	DevRatio      float64  `mapstructure:"dev_ratio" validate:"gte=0,lt=1"`
	Seed          int64    `mapstructure:"seed"`
}

type ModelConfig struct {
	CharVocaSize  int     `mapstructure:"char_voca_size" validate:"gt=0"`
	WordVocaSize  int     `mapstructure:"word_voca_size" validate:"gt=0"`
	CharMaxLen    int     `mapstructure:"char_max_len" validate:"gt=0"`
	WordMaxLen    int     `mapstructure:"word_max_len" validate:"gt=0"`
	CharEmbedSize int     `mapstructure:"char_embd_size" validate:"gt=0"`
	WordEmbedSize int     `mapstructure:"word_embd_size" validate:"gt=0"`
	HiddenSize    int     `mapstructure:"hidden_size" validate:"gt=0"`
	AttnSize      int     `mapstructure:"attn_size" validate:"gt=0"`
	LearningRate  float64 `mapstructure:"lr" validate:"gt=0"`
}

type TrainConfig struct {
	BatchSize int `mapstructure:"batch_size" validate:"gt=0"`
	NumEpochs int `mapstructure:"num_epochs" validate:"gt=0"`
}

type PredictConfig struct {
	NumPredictWorkers int `mapstructure:"num_predict_workers" validate:"gt=0"`
}

type StorageConfig struct {
	S3    S3Config    `mapstructure:"s3"`
	GCS   GCSConfig   `mapstructure:"gcs"`
	Azure AzureConfig `mapstructure:"azure"`
}

type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Region          string `mapstructure:"region"`
	UseSSL          bool   `mapstructure:"use_ssl"`
}

type GCSConfig struct {
	CredentialsFile string `mapstructure:"credentials_file"`
	Endpoint        string `mapstructure:"endpoint"`
}

type AzureConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
	AccountName      string `mapstructure:"account_name"`
	AccountKey       string `mapstructure:"account_key"`
	Endpoint         string `mapstructure:"endpoint"`
}

func GetDefaultConfig() *Config {
	return &Config{
		Data: DataConfig{
			TrainDataList: []string{"./data/train"},
			DevDataList:   []string{"./data/dev"},
			TestDataList:  []string{"./data/test"},
			DevRatio:      0.05,
			Seed:          17,
		},
		Model: ModelConfig{
			CharVocaSize:  50000,
			WordVocaSize:  100000,
			CharMaxLen:    64,
			WordMaxLen:    32,
			CharEmbedSize: 128,
			WordEmbedSize: 128,
			HiddenSize:    256,
			AttnSize:      64,
			LearningRate:  0.001,
		},
		Train: TrainConfig{
			BatchSize: 1024,
			NumEpochs: 10,
		},
		Predict: PredictConfig{
			NumPredictWorkers: 4,
		},
		Storage: StorageConfig{
			S3: S3Config{UseSSL: true},
		},
	}
}

func (config *Config) Validate() error {
	validate := validator.New()
	return errors.Trace(validate.Struct(config))
}

func setDefault(v *viper.Viper) {
	defaultConfig := GetDefaultConfig()
	var values map[string]any
	// decode defaults through mapstructure so that keys follow the struct tags
	if err := mapstructure.Decode(defaultConfig, &values); err != nil {
		panic(err)
	}
	setDefaultValues(v, "", values)
}

func setDefaultValues(v *viper.Viper, prefix string, values map[string]any) {
	for key, value := range values {
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			setDefaultValues(v, key, nested)
		} else {
			v.SetDefault(key, value)
		}
	}
}

// LoadConfig loads configuration from a TOML or JSON file. An empty path loads defaults only.
// Every key can be overridden by an environment variable such as CATEGORIZER_TRAIN_BATCH_SIZE.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefault(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Trace(err)
		}
	}

	var conf Config
	if err := v.Unmarshal(&conf); err != nil {
		return nil, errors.Trace(err)
	}
	if err := conf.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &conf, nil
}
