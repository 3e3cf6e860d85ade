package config

// NetworkConfig 单条链的全部开关
type NetworkConfig struct {
	Enabled bool

	RpcUrl string
	ApiKey string `mapstructure:",omitempty"` // TronGrid / 付费节点的 key

	// 代币定义: ERC20 合约 / TRC20 合约 / SPL mint
	TokenContract string
	TokenSymbol   string
	TokenDecimals int32

	// 定价: 锚定币直接按 1.0 计，否则按 price_id 查现价
	PricePegged bool
	PriceId     string

	MinDepositUsd float64 // 每条链结算成本不同，门槛不同
	Confirmations int64

	// 入账时机: false=确认后立刻入账 true=归集落地后才入账
	CreditAfterSweep bool

	// 归集前是否需要金库垫矿工费 (ETH/TRON true，SOL 金库直接代付)
	RequiresGasFunding bool

	// 显式金库私钥，优先于助记词派生
	TreasuryKeyOverride string

	// 费用估算安全系数 (百分比加成) 与同 nonce 提价重广播参数
	GasSafetyBufferPct int64
	FeeBumpPercent     int64
	FeeBumpAttempts    int
	FeeBumpDelaySec    int

	// 垫资风控 (原生币单位)
	TreasuryMinReserve float64
	HourlyFundingCap   float64
}

// Config 对应 etc/custody.yaml
type Config struct {
	Name     string
	LogLevel string `mapstructure:"log_level"`

	Http struct {
		Addr         string
		SharedSecret string `mapstructure:"shared_secret"`
	}

	Mysql struct {
		DataSource  string `mapstructure:"data_source"`
		MaxIdle     int    `mapstructure:"max_idle"`
		MaxOpen     int    `mapstructure:"max_open"`
		MaxLifetime int    `mapstructure:"max_lifetime"`
	}

	// Addr 为空则不启用 redis (单进程部署时进程内锁已足够)
	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	MasterMnemonic string `mapstructure:"master_mnemonic"`

	Pricing struct {
		ApiKey      string `mapstructure:"api_key"`
		CacheTtlSec int    `mapstructure:"cache_ttl_sec"`
	}

	Networks map[string]NetworkConfig

	Sweep struct {
		FundingCooldownMin       int `mapstructure:"funding_cooldown_min"`
		FundingConfirmTimeoutSec int `mapstructure:"funding_confirm_timeout_sec"`
	}

	Confirm struct {
		MaxRetries    int `mapstructure:"max_retries"`
		BackoffCapMin int `mapstructure:"backoff_cap_min"`
	}

	BatchSize int `mapstructure:"batch_size"`
}
